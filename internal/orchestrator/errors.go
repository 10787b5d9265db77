package orchestrator

import (
	xerrors "AAHB-Assistant/internal/errors"
)

const (
	CodeUnknownDestination  xerrors.Code = "UNKNOWN_DESTINATION"
	CodeHandlerFailure      xerrors.Code = "HANDLER_FAILURE"
	CodeQueueClosed         xerrors.Code = "QUEUE_CLOSED"
	CodeOrchestratorStopped xerrors.Code = "ORCHESTRATOR_STOPPED"
	CodeAlreadyStopped      xerrors.Code = "ALREADY_STOPPED"
	CodeHopLimitExceeded    xerrors.Code = "HOP_LIMIT_EXCEEDED"
)

var (
	// ErrQueueClosed 表示分发队列已关闭，不再接受新信封。
	ErrQueueClosed = xerrors.New(CodeQueueClosed, "dispatch queue closed")
	// ErrOrchestratorStopped 表示编排器已停止，调用方应视为终止状态。
	ErrOrchestratorStopped = xerrors.New(CodeOrchestratorStopped, "orchestrator stopped")
	// ErrAlreadyStopped 表示编排器停止后不能再次启动。
	ErrAlreadyStopped = xerrors.New(CodeAlreadyStopped, "orchestrator already stopped")
)

func init() {
	xerrors.Register(CodeUnknownDestination, xerrors.Attributes{
		Message:  "unknown destination",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeHandlerFailure, xerrors.Attributes{
		Message:  "handler failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeQueueClosed, xerrors.Attributes{
		Message:  "dispatch queue closed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOrchestratorStopped, xerrors.Attributes{
		Message:  "orchestrator stopped",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAlreadyStopped, xerrors.Attributes{
		Message:  "orchestrator already stopped",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeHopLimitExceeded, xerrors.Attributes{
		Message:  "hop limit exceeded",
		Severity: xerrors.SeverityWarning,
	})
}
