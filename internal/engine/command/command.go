// Package command is the caller-facing entry point of the engine: a closed
// set of commands and a dispatcher with one handler per command kind.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/session"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// Kind identifies a command variant.
type Kind string

const (
	KindCreateConfig  Kind = "create_config"
	KindRenewConfig   Kind = "renew_config"
	KindDisableConfig Kind = "disable_config"
	KindDeleteConfig  Kind = "delete_config"
	KindShowConfig    Kind = "show_config"
)

// Kinds lists every command kind. A dispatcher must handle all of them.
var Kinds = []Kind{KindCreateConfig, KindRenewConfig, KindDisableConfig, KindDeleteConfig, KindShowConfig}

// Command is implemented only by the variants in this package.
type Command interface {
	Kind() Kind
	command()
}

// CreateConfig provisions a new config. RequestID makes retries replay the
// first answer.
type CreateConfig struct {
	RequestID string
	Request   peer.CreateRequest
}

// RenewConfig extends a config by its plan terms.
type RenewConfig struct{ ConfigID string }

// DisableConfig turns a config off on request.
type DisableConfig struct{ ConfigID string }

// DeleteConfig removes a config and its device peer.
type DeleteConfig struct{ ConfigID string }

// ShowConfig returns a config with its client artifact.
type ShowConfig struct{ ConfigID string }

func (CreateConfig) Kind() Kind  { return KindCreateConfig }
func (RenewConfig) Kind() Kind   { return KindRenewConfig }
func (DisableConfig) Kind() Kind { return KindDisableConfig }
func (DeleteConfig) Kind() Kind  { return KindDeleteConfig }
func (ShowConfig) Kind() Kind    { return KindShowConfig }

func (CreateConfig) command()  {}
func (RenewConfig) command()   {}
func (DisableConfig) command() {}
func (DeleteConfig) command()  {}
func (ShowConfig) command()    {}

// Reply is the outcome of a command. Fields irrelevant to the command are
// left zero.
type Reply struct {
	Config       *models.VpnConfig
	Artifact     *peer.Artifact
	Transitioned bool
	Replayed     bool
}

// Handler executes one command kind.
type Handler func(ctx context.Context, cmd Command) (*Reply, error)

// Dispatcher routes commands to their handlers.
type Dispatcher struct {
	handlers map[Kind]Handler
	logger   *logger.Logger
}

// NewDispatcher checks that handlers covers exactly Kinds.
func NewDispatcher(handlers map[Kind]Handler, log *logger.Logger) (*Dispatcher, error) {
	var missing []string
	for _, k := range Kinds {
		if handlers[k] == nil {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("no handler for command kinds %v", missing)
	}
	if len(handlers) != len(Kinds) {
		return nil, fmt.Errorf("handler table has %d entries, want %d", len(handlers), len(Kinds))
	}
	return &Dispatcher{handlers: handlers, logger: log.WithComponent("command")}, nil
}

// Dispatch runs cmd.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Reply, error) {
	if cmd == nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeValidation, "nil command", false, nil)
	}
	d.logger.WithContext(ctx).Debug("dispatching command", slog.String("kind", string(cmd.Kind())))
	return d.handlers[cmd.Kind()](ctx, cmd)
}

// Provisioner is the engine surface the default handlers call.
type Provisioner interface {
	Create(ctx context.Context, req peer.CreateRequest) (*peer.Result, error)
	Renew(ctx context.Context, configID string) (*models.VpnConfig, error)
	Disable(ctx context.Context, configID string, reason peer.DisableReason) (bool, error)
	Delete(ctx context.Context, configID string) error
	RenderClientConfig(ctx context.Context, configID string) (*peer.Result, error)
}

// Handlers builds the standard handler table. sessions may be nil, in which
// case creates are neither serialized per owner nor replayed.
func Handlers(prov Provisioner, sessions *session.Store) map[Kind]Handler {
	return map[Kind]Handler{
		KindCreateConfig: func(ctx context.Context, cmd Command) (*Reply, error) {
			c := cmd.(CreateConfig)
			return create(ctx, prov, sessions, c)
		},
		KindRenewConfig: func(ctx context.Context, cmd Command) (*Reply, error) {
			cfg, err := prov.Renew(ctx, cmd.(RenewConfig).ConfigID)
			if err != nil {
				return nil, err
			}
			return &Reply{Config: cfg, Transitioned: true}, nil
		},
		KindDisableConfig: func(ctx context.Context, cmd Command) (*Reply, error) {
			done, err := prov.Disable(ctx, cmd.(DisableConfig).ConfigID, peer.ReasonRequested)
			if err != nil {
				return nil, err
			}
			return &Reply{Transitioned: done}, nil
		},
		KindDeleteConfig: func(ctx context.Context, cmd Command) (*Reply, error) {
			if err := prov.Delete(ctx, cmd.(DeleteConfig).ConfigID); err != nil {
				return nil, err
			}
			return &Reply{Transitioned: true}, nil
		},
		KindShowConfig: func(ctx context.Context, cmd Command) (*Reply, error) {
			res, err := prov.RenderClientConfig(ctx, cmd.(ShowConfig).ConfigID)
			if err != nil {
				return nil, err
			}
			return &Reply{Config: res.Config, Artifact: &res.Artifact}, nil
		},
	}
}

func create(ctx context.Context, prov Provisioner, sessions *session.Store, c CreateConfig) (*Reply, error) {
	owner := c.Request.OwnerID
	if sessions != nil {
		prev, replay, err := sessions.Begin(owner, c.RequestID)
		if err != nil {
			return nil, err
		}
		if replay {
			r := *prev.(*Reply)
			r.Replayed = true
			return &r, nil
		}
	}

	res, err := prov.Create(ctx, c.Request)
	if err != nil {
		if sessions != nil {
			sessions.Abort(owner)
		}
		return nil, err
	}

	reply := &Reply{Config: res.Config, Artifact: &res.Artifact, Transitioned: true}
	if sessions != nil {
		sessions.Finish(owner, c.RequestID, reply)
	}
	return reply, nil
}
