package domain

// BreakerState is the circuit breaker state for one endpoint.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ClientState is the connection lifecycle state of one endpoint client.
type ClientState string

const (
	ClientCreated      ClientState = "created"
	ClientInitializing ClientState = "initializing"
	ClientInitialized  ClientState = "initialized"
	ClientConnecting   ClientState = "connecting"
	ClientConnected    ClientState = "connected"
	ClientDisconnected ClientState = "disconnected"
	ClientReconnecting ClientState = "reconnecting"
	ClientStopping     ClientState = "stopping"
	ClientStopped      ClientState = "stopped"
	ClientFailed       ClientState = "failed"
)

// CentralState is the aggregate lifecycle state of the runtime.
type CentralState string

const (
	CentralStarting     CentralState = "starting"
	CentralInitializing CentralState = "initializing"
	CentralRunning      CentralState = "running"
	CentralDegraded     CentralState = "degraded"
	CentralRecovering   CentralState = "recovering"
	CentralFailed       CentralState = "failed"
	CentralStopping     CentralState = "stopping"
	CentralStopped      CentralState = "stopped"
)

// RecoveryStage is one step of the staged reconnection pipeline.
type RecoveryStage string

const (
	StageIdle           RecoveryStage = "idle"
	StageCooldown       RecoveryStage = "cooldown"
	StageTCPChecking    RecoveryStage = "tcp_checking"
	StageRPCChecking    RecoveryStage = "rpc_checking"
	StageReconnecting   RecoveryStage = "reconnecting"
	StageDataLoading    RecoveryStage = "data_loading"
	StageStabilityCheck RecoveryStage = "stability_check"
	StageRecovered      RecoveryStage = "recovered"
)
