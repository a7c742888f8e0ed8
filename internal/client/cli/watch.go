package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/pkg/api"
)

// runWatch печатает состояние ветки, затем каждое его изменение и события
// других устройств, пока не отменен ctx.
func (c *Cli) runWatch(ctx context.Context, branch string, asJSON bool) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	rep, err := c.openReplica(ctx, conn, branch)
	if err != nil {
		return err
	}
	defer func() {
		// часы двигаются вперед и от чужих атомов
		if err := c.saveClock(context.WithoutCancel(ctx), rep); err != nil {
			c.logger.Warn("Failed to save site", "error", err)
		}
	}()

	if asJSON {
		if err := c.printer.JSON(rep.State()); err != nil {
			return err
		}
	} else {
		c.printer.State(rep.State())
		c.printer.Line("Watching %s, press Ctrl+C to stop", branch)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}

			switch msg.Name {
			case api.EventAddAtoms:
				var delta api.AddAtoms
				if err := msg.Decode(&delta); err != nil || delta.Branch != branch {
					continue
				}
				patch := rep.ApplyRemote(delta)
				if patch.IsEmpty() {
					continue
				}
				if asJSON {
					if err := c.printer.JSON(patch); err != nil {
						return err
					}
					continue
				}
				c.printer.Patch(patch)
			case api.EventReceiveEvent:
				var ev api.ReceiveEvent
				if err := msg.Decode(&ev); err != nil {
					continue
				}
				if asJSON {
					if err := c.printer.JSON(ev); err != nil {
						return err
					}
					continue
				}
				c.printer.Line("event from %s/%s: %s", ev.Device.Username, ev.Device.DeviceID, string(ev.Action))
			case api.EventError:
				var e api.Error
				if err := msg.Decode(&e); err == nil {
					c.printer.Warn("%s: %s", e.Command, e.Message)
				}
			}
		}
	}
}

// runDevices печатает устройства, наблюдающие за ветками, и их подключения
// и отключения, пока не отменен ctx.
func (c *Cli) runDevices(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	if err := conn.Send(ctx, api.CmdWatchDevices, nil); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}

			var ev api.DeviceEvent
			switch msg.Name {
			case api.EventDeviceConnected:
				if msg.Decode(&ev) == nil {
					c.printer.Device("+", ev.Branch, ev.Device)
				}
			case api.EventDeviceDisconnected:
				if msg.Decode(&ev) == nil {
					c.printer.Device("-", ev.Branch, ev.Device)
				}
			}
		}
	}
}

// runSendEvent передает действие устройствам ветки. Действие, которое не
// является JSON, отправляется как строка.
func (c *Cli) runSendEvent(ctx context.Context, branch, action string, selector models.DeviceSelector) error {
	payload := json.RawMessage(action)
	if !json.Valid(payload) {
		data, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("failed to encode action: %w", err)
		}
		payload = data
	}

	req := api.SendEvent{Branch: branch, Action: payload}
	if !selector.IsEmpty() {
		req.Selector = &selector
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	if err := conn.SendEvent(ctx, req); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}

	c.printer.Success("Event sent to %s", branch)
	return nil
}
