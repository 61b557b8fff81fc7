package executor

import (
	"context"

	"github.com/vinayprograms/taskmem/bus"
	"github.com/vinayprograms/taskmem/logging"
)

// Listen subscribes to every event under prefix and returns them decoded,
// in arrival order. Undecodable messages are logged and skipped. The
// channel closes when ctx is done or the subscription ends.
func Listen(ctx context.Context, b bus.MessageBus, prefix string, logger *logging.Logger) (<-chan Event, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.Nop()
	}
	sub, err := b.Subscribe(prefix + ".>")
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				ev, err := Decode(prefix, msg.Subject, msg.Data)
				if err != nil {
					logger.Warn("skipping event", map[string]interface{}{
						"subject": msg.Subject,
						"error":   err.Error(),
					})
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
