// Package command turns semantic Wink Module requests into characteristic
// writes on the live BLE session.
//
// Movement, sleepy-eye and sync writes are best-effort: they are dropped
// while the headlights are busy or when no module is connected, and write
// failures are logged rather than returned. Deep sleep, button programming
// and OTA credential hand-off are awaited and report errors.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/chaz8081/winkctl/internal/ble"
	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/metrics"
)

// DefaultSettle is the pause between the two stages of a custom-button write.
const DefaultSettle = 20 * time.Millisecond

// Characteristic roles, used as metric labels.
const (
	roleRequest      = "request"
	roleLeftSleepy   = "left_sleepy"
	roleRightSleepy  = "right_sleepy"
	roleSync         = "sync"
	roleDeepSleep    = "deep_sleep"
	roleCustomButton = "custom_button"
	roleOTA          = "ota_credential"
)

// Link provides the live session and a way to end it.
type Link interface {
	Session() (*ble.Session, error)
	DisconnectFor(reason ble.DisconnectReason) error
}

// Gate reports whether motion commands must be held back.
type Gate interface {
	Busy() bool
}

// ButtonStore persists custom-button configuration.
type ButtonStore interface {
	SetButton(presses int, b protocol.Behavior) error
	SetButtonDelay(d time.Duration) error
}

// Options configures a Commander.
type Options struct {
	Settle time.Duration // pause between the two custom-button stages
	Logger logr.Logger
}

// Commander encodes and sends commands.
type Commander struct {
	link    Link
	gate    Gate
	buttons ButtonStore
	settle  time.Duration
	log     logr.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// buttonMu keeps two-stage register writes from interleaving.
	buttonMu sync.Mutex
}

// New creates a Commander.
func New(link Link, gate Gate, buttons ButtonStore, opts Options) *Commander {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Commander{
		link:    link,
		gate:    gate,
		buttons: buttons,
		settle:  opts.Settle,
		log:     opts.Logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fireAndForget performs one gated, fire-and-forget write.
func (c *Commander) fireAndForget(role, charUUID string, payload []byte) {
	if c.gate != nil && c.gate.Busy() {
		c.log.V(1).Info("[CMD] headlights busy, dropping", "role", role)
		metrics.ObserveCommand(role, "busy", 0)
		return
	}
	sess, err := c.link.Session()
	if err != nil {
		c.log.V(1).Info("[CMD] not connected, dropping", "role", role)
		metrics.ObserveCommand(role, "offline", 0)
		return
	}
	start := time.Now()
	if err := sess.Write(charUUID, payload); err != nil {
		c.log.Error(err, "[CMD] write failed", "role", role)
		metrics.ObserveCommand(role, "failed", 0)
		return
	}
	metrics.ObserveCommand(role, "sent", time.Since(start))
	c.log.V(1).Info("[CMD] sent", "role", role, "payload", string(payload))
}

// awaited performs one write and reports failure.
func (c *Commander) awaited(role, charUUID string, payload []byte) error {
	sess, err := c.link.Session()
	if err != nil {
		metrics.ObserveCommand(role, "offline", 0)
		return err
	}
	start := time.Now()
	if err := sess.Write(charUUID, payload); err != nil {
		metrics.ObserveCommand(role, "failed", 0)
		return err
	}
	metrics.ObserveCommand(role, "sent", time.Since(start))
	return nil
}

// SendMovement sends a movement preset.
func (c *Commander) SendMovement(cmd protocol.Command) {
	c.fireAndForget(roleRequest, ble.RequestCharUUID, cmd.Payload())
}

// SendSleepPosition sets the sleepy-eye position of both headlights, as a
// percentage of travel. The two sides are written independently.
func (c *Commander) SendSleepPosition(left, right int) {
	c.fireAndForget(roleLeftSleepy, ble.LeftSleepyEyeCharUUID, protocol.Decimal(left))
	c.fireAndForget(roleRightSleepy, ble.RightSleepyEyeCharUUID, protocol.Decimal(right))
}

// SendSync asks the module to resynchronize both headlights.
func (c *Commander) SendSync() {
	c.fireAndForget(roleSync, ble.SyncCharUUID, []byte(protocol.SyncSentinel))
}

// EnterDeepSleep puts the module into long-term sleep and drops the link.
// Only the write can fail; disconnect problems are logged by the link.
func (c *Commander) EnterDeepSleep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.awaited(roleDeepSleep, ble.LongTermSleepCharUUID, []byte(protocol.DeepSleepSentinel)); err != nil {
		return fmt.Errorf("command: deep sleep: %w", err)
	}
	c.log.Info("[CMD] module entering deep sleep")
	_ = c.link.DisconnectFor(ble.ReasonSleep)
	return nil
}

// UpdateCustomButton assigns a behavior to a press count, persisting it
// first and then programming the module's two-stage register.
func (c *Commander) UpdateCustomButton(ctx context.Context, presses int, b protocol.Behavior) error {
	if !protocol.ValidPresses(presses) {
		return fmt.Errorf("command: press count %d out of range %d..%d", presses, protocol.MinPresses, protocol.MaxPresses)
	}
	if c.buttons != nil {
		if err := c.buttons.SetButton(presses, b); err != nil {
			return fmt.Errorf("command: saving button %d: %w", presses, err)
		}
	}

	c.buttonMu.Lock()
	defer c.buttonMu.Unlock()

	if err := c.awaited(roleCustomButton, ble.CustomButtonCharUUID, protocol.Decimal(presses)); err != nil {
		return fmt.Errorf("command: select button %d: %w", presses, err)
	}
	if err := c.sleep(ctx, c.settle); err != nil {
		return fmt.Errorf("command: button %d: %w", presses, err)
	}
	if err := c.awaited(roleCustomButton, ble.CustomButtonCharUUID, b.Payload()); err != nil {
		return fmt.Errorf("command: assign button %d: %w", presses, err)
	}
	if err := c.sleep(ctx, c.settle); err != nil {
		return fmt.Errorf("command: button %d: %w", presses, err)
	}
	c.log.Info("[CMD] button updated", "presses", presses, "behavior", b.String())
	return nil
}

// UpdateButtonDelay sets the press-sequence threshold.
func (c *Commander) UpdateButtonDelay(ctx context.Context, d time.Duration) error {
	if d < protocol.MinButtonDelay {
		return fmt.Errorf("command: button delay %v below minimum %v", d, protocol.MinButtonDelay)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.buttons != nil {
		if err := c.buttons.SetButtonDelay(d); err != nil {
			return fmt.Errorf("command: saving button delay: %w", err)
		}
	}

	c.buttonMu.Lock()
	defer c.buttonMu.Unlock()
	if err := c.awaited(roleCustomButton, ble.CustomButtonCharUUID, protocol.DelayPayload(d)); err != nil {
		return fmt.Errorf("command: button delay: %w", err)
	}
	c.log.Info("[CMD] button delay updated", "delay", d)
	return nil
}

// ReadFirmwareVersion returns the version string the module reports.
func (c *Commander) ReadFirmwareVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sess, err := c.link.Session()
	if err != nil {
		return "", err
	}
	data, err := sess.Read(ble.FirmwareCharUUID)
	if err != nil {
		return "", fmt.Errorf("command: read firmware version: %w", err)
	}
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00")), nil
}

// DeviceID returns the stable identifier of the connected module.
func (c *Commander) DeviceID() (string, error) {
	sess, err := c.link.Session()
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// SendCredential hands the one-time OTA password to the module.
func (c *Commander) SendCredential(password string) error {
	if password == "" {
		return errors.New("command: empty OTA credential")
	}
	if err := c.awaited(roleOTA, ble.OTACharUUID, []byte(password)); err != nil {
		return fmt.Errorf("command: OTA credential: %w", err)
	}
	return nil
}

// DropLink ends the session ahead of the module rebooting into new firmware.
func (c *Commander) DropLink() error {
	return c.link.DisconnectFor(ble.ReasonUpdate)
}
