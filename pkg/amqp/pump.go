package amqp

import "fmt"

// outputPump hands the transport only the engine output produced since the
// previous drain. mark counts bytes claimed by the transport and not yet
// confirmed; the engine keeps those bytes at the head of its output until
// retire discards them. Callers hold the connection lock.
type outputPump struct {
	engine Engine
	mark   int
}

// claim copies the bytes produced beyond the high-water mark and advances
// the mark. It returns nil when there is nothing new.
func (p *outputPump) claim() ([]byte, error) {
	available := p.engine.Pending() - p.mark
	if available <= 0 {
		if available < 0 {
			logger.Error().Int("pending", p.engine.Pending()).Int("mark", p.mark).Msg("output high-water mark beyond engine output")
		}
		return nil, nil
	}
	window, err := p.engine.ReadOutput(p.mark, available)
	if err != nil {
		return nil, fmt.Errorf("read engine output at %d+%d: %w", p.mark, available, err)
	}
	if len(window) != available {
		return nil, fmt.Errorf("engine returned %d output bytes, want %d", len(window), available)
	}
	// the engine may reuse its buffer once the bytes are claimed
	out := make([]byte, available)
	copy(out, window)
	p.mark += available
	return out, nil
}

// retire discards n confirmed bytes from the head of the engine output.
func (p *outputPump) retire(n int) {
	if n > p.mark {
		logger.Error().Int("confirmed", n).Int("mark", p.mark).Msg("write confirmation exceeds claimed output")
		n = p.mark
	}
	p.engine.DiscardOutput(n)
	p.mark -= n
}

// reset drops the mark on connection destruction.
func (p *outputPump) reset() { p.mark = 0 }
