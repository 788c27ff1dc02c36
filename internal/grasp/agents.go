package grasp

import (
	"io"

	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/registry"
)

// Handle identifies a registered agent in every call.
type Handle = registry.Handle

// RegisterOptions are the per-objective registration parameters.
type RegisterOptions = registry.Options

func (e *Engine) RegisterAgent(name string) (Handle, error) {
	h, err := e.agents.Register(name)
	if err != nil {
		return "", registryCode(err)
	}
	e.logger.Info().Str("agent", name).Msg("grasp.RegisterAgent")
	return h, nil
}

// DeregisterAgent removes the agent and every objective it owned alone.
func (e *Engine) DeregisterAgent(h Handle, name string) error {
	if err := e.agents.Deregister(h, name); err != nil {
		return registryCode(err)
	}
	dropped := e.objectives.RemoveOwner(h)
	e.logger.Info().Str("agent", name).Strs("objectives", dropped).Msg("grasp.DeregisterAgent")
	return nil
}

// RegisterObjective records obj for h. Connection-oriented objectives get
// their own TCP listener.
func (e *Engine) RegisterObjective(h Handle, obj protocol.Objective, opts RegisterOptions) error {
	if !e.agents.Known(h) {
		return NoASA
	}
	for _, l := range opts.Locators {
		if !l.Type.IsLocator() {
			return InvalidLoc
		}
	}
	if err := e.objectives.Register(h, obj, opts, e.openObjective); err != nil {
		return registryCode(err)
	}
	e.logger.Debug().
		Str("objective", obj.Name).
		Uint("flags", obj.Flags()).
		Bool("overlap", opts.Overlap).
		Msg("grasp.RegisterObjective")
	return nil
}

// openObjective runs under the registry lock; the accept loop only starts
// once the listener exists.
func (e *Engine) openObjective(obj protocol.Objective) (io.Closer, int, error) {
	ln, err := e.network.Listen()
	if err != nil {
		return nil, 0, err
	}
	e.spawn(func() { e.acceptRequests(ln, obj.Name) })
	return ln, mcast.ListenerPort(ln), nil
}

func (e *Engine) DeregisterObjective(h Handle, name string) error {
	if !e.agents.Known(h) {
		return NoASA
	}
	if err := e.objectives.Deregister(h, name); err != nil {
		return registryCode(err)
	}
	e.logger.Debug().Str("objective", name).Msg("grasp.DeregisterObjective")
	return nil
}
