package worker

import (
	"fmt"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/report"
	"github.com/Iron-Ham/distrun/internal/warning"
)

// process is the channel callback. Items arrive one at a time, in order.
func (c *Controller) process(item gateway.Item) {
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("worker %s: panic while decoding event: %v", c.id, r))
		}
	}()

	if c.interrupted() {
		c.logger.Debug("run interrupted, event dropped", "eos", item.EndOfStream)
		return
	}

	if item.EndOfStream {
		c.handleEndOfStream()
		return
	}

	if err := c.handle(item.Value); err != nil {
		c.fail(err)
	}
}

func (c *Controller) interrupted() bool {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	return ctx != nil && ctx.Err() != nil
}

// handleEndOfStream reports a channel that ended before workerfinished.
func (c *Controller) handleEndOfStream() {
	if c.IsDown() {
		return
	}
	err := c.ch.LastRemoteError()
	if err == nil {
		err = errors.ErrNotProperlyTerminated
	}
	c.markDown(err)
}

// fail requests a best-effort shutdown and reports the worker down.
func (c *Controller) fail(err error) {
	c.logger.Error("worker event handling failed", "error", err)
	_ = c.Shutdown()
	c.markDown(err)
}

func (c *Controller) handle(value any) error {
	name, kwargs, err := splitEvent(value)
	if err != nil {
		return errors.NewProtocolError("cannot decode event", err).WithWorkerID(c.id)
	}

	kind, ok := event.ParseKind(name)
	if !ok {
		return errors.NewProtocolError("unexpected event from worker", errors.ErrUnknownEvent).
			WithWorkerID(c.id).
			WithEvent(name)
	}

	ev := event.NewWorkerEvent(kind, c.id, kwargs)

	switch {
	case kind == event.KindWorkerFinished:
		output, _ := codec.ToMap(kwargs["workeroutput"])
		c.mu.Lock()
		c.down = true
		c.output = output
		c.mu.Unlock()
		c.logger.Info("worker finished")

	case kind.IsReport():
		ev.Report = c.decodeReport(kind, kwargs)

	case kind == event.KindWarningCaptured || kind == event.KindWarningRecorded:
		data, _ := codec.ToMap(kwargs["warning_message_data"])
		wm, note := warning.Reconstruct(c.warnings, data)
		ev.Warning = &wm
		ev.Note = note
		if note != nil {
			c.logger.Debug("warning rebuilt with fallback class", "class", note.Class, "reason", note.Err)
		}

	case kind == event.KindInternalError:
		text, _ := codec.ToString(kwargs["formatted_error"])
		if text == "" {
			text = "internal error on worker"
		}
		ev.Err = errors.New(text)
	}

	c.emit(ev)
	return nil
}

// decodeReport rebuilds a report. A payload that cannot be rebuilt becomes
// a failed report carrying the reconstruction error as its long repr.
func (c *Controller) decodeReport(kind event.Kind, kwargs map[string]any) *report.Report {
	data, _ := codec.ToMap(kwargs["data"])
	rep, err := report.FromSerializable(data)
	if err != nil {
		c.logger.Warn("report could not be rebuilt", "event", string(kind), "error", err)
		nodeID, _ := codec.ToString(data["nodeid"])
		rep = &report.Report{
			Type:     report.TypeTest,
			NodeID:   nodeID,
			Outcome:  report.OutcomeFailed,
			LongRepr: err.Error(),
		}
		if kind == event.KindCollectReport {
			rep.Type = report.TypeCollect
		}
	}

	idx, ok := codec.ToInt(data["item_index"])
	if !ok {
		idx, ok = codec.ToInt(kwargs["item_index"])
	}
	if ok {
		rep.ItemIndex = &idx
	}
	return rep
}

// splitEvent unpacks a [name, kwargs] pair.
func splitEvent(value any) (string, map[string]any, error) {
	pair, ok := value.([]any)
	if !ok || len(pair) != 2 {
		return "", nil, fmt.Errorf("%w: want [name, kwargs], got %T", errors.ErrMalformedEvent, value)
	}
	name, ok := codec.ToString(pair[0])
	if !ok {
		return "", nil, fmt.Errorf("%w: event name is %T", errors.ErrMalformedEvent, pair[0])
	}
	if pair[1] == nil {
		return name, map[string]any{}, nil
	}
	kwargs, ok := codec.ToMap(pair[1])
	if !ok {
		return "", nil, fmt.Errorf("%w: kwargs of %s is %T", errors.ErrMalformedEvent, name, pair[1])
	}
	return name, kwargs, nil
}
