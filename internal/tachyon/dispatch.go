package tachyon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Handler implements the autohost command set. One method per command;
// domain failures are returned as *Error.
type Handler interface {
	Start(ctx context.Context, req *StartRequest) (*StartResponseData, error)
	Kill(ctx context.Context, req *KillRequest) error
	AddPlayer(ctx context.Context, req *AddPlayerRequest) error
	KickPlayer(ctx context.Context, req *KickPlayerRequest) error
	MutePlayer(ctx context.Context, req *MutePlayerRequest) error
	SpecPlayers(ctx context.Context, req *SpecPlayersRequest) error
	SendCommand(ctx context.Context, req *SendCommandRequest) error
	SendMessage(ctx context.Context, req *SendMessageRequest) error
	SubscribeUpdates(ctx context.Context, req *SubscribeUpdatesRequest) error
	InstallEngine(ctx context.Context, req *InstallEngineRequest) error
}

// allowedReasons lists the domain failure reasons each command may
// answer with, beyond invalid_request. A reason outside the set is a
// handler bug and folds to internal_error.
var allowedReasons = map[string]map[string]bool{
	CmdStart: {
		ReasonBattleAlreadyExists:       true,
		ReasonMaxBattlesReached:         true,
		ReasonEngineVersionNotAvailable: true,
		ReasonStartFailed:               true,
	},
	CmdInstallEngine: {
		ReasonInstallFailed: true,
	},
}

// Dispatcher routes request envelopes to a Handler and shapes every
// outcome, including panics, into a response envelope.
type Dispatcher struct {
	handler Handler
}

func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{handler: h}
}

// Dispatch handles one request and returns its response. It never
// panics: handler panics are logged and answered with internal_error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Envelope) (resp Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in command handler", "cmd", req.CommandID, "panic", r)
			resp = FailedResponse(req, ReasonInternalError, "")
		}
	}()

	switch req.CommandID {
	case CmdStart:
		var r StartRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		data, err := d.handler.Start(ctx, &r)
		if err != nil {
			return d.failure(req, err)
		}
		return SuccessResponse(req, data)

	case CmdKill:
		var r KillRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.Kill(ctx, &r))

	case CmdAddPlayer:
		var r AddPlayerRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.AddPlayer(ctx, &r))

	case CmdKickPlayer:
		var r KickPlayerRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.KickPlayer(ctx, &r))

	case CmdMutePlayer:
		var r MutePlayerRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.MutePlayer(ctx, &r))

	case CmdSpecPlayers:
		var r SpecPlayersRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.SpecPlayers(ctx, &r))

	case CmdSendCommand:
		var r SendCommandRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.SendCommand(ctx, &r))

	case CmdSendMessage:
		var r SendMessageRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.SendMessage(ctx, &r))

	case CmdSubscribeUpdates:
		var r SubscribeUpdatesRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.SubscribeUpdates(ctx, &r))

	case CmdInstallEngine:
		var r InstallEngineRequest
		if fail := decodeRequest(req, &r); fail != nil {
			return *fail
		}
		return d.result(req, d.handler.InstallEngine(ctx, &r))
	}

	return FailedResponse(req, ReasonCommandUnimplemented, "")
}

func (d *Dispatcher) result(req Envelope, err error) Envelope {
	if err != nil {
		return d.failure(req, err)
	}
	return SuccessResponse(req, nil)
}

func (d *Dispatcher) failure(req Envelope, err error) Envelope {
	var derr *Error
	if errors.As(err, &derr) {
		if derr.Reason == ReasonInvalidRequest || allowedReasons[req.CommandID][derr.Reason] {
			return FailedResponse(req, derr.Reason, derr.Details)
		}
	}
	slog.Error("command failed", "cmd", req.CommandID, "err", err)
	return FailedResponse(req, ReasonInternalError, "")
}

// decodeRequest unmarshals and validates request data, returning the
// invalid_request response on failure. Missing data decodes as an empty
// object so required-field checks produce the error details.
func decodeRequest(env Envelope, into interface{ Validate() error }) *Envelope {
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, into); err != nil {
		fail := FailedResponse(env, ReasonInvalidRequest, fmt.Sprintf("malformed data: %v", err))
		return &fail
	}
	if err := into.Validate(); err != nil {
		fail := FailedResponse(env, ReasonInvalidRequest, err.Error())
		return &fail
	}
	return nil
}
