package output

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/fetchy-dl/fetchy/internal/progress"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

// Display renders live progress lines for one or more tasks from their
// snapshot channels. It is a pure subscriber: it never feeds anything
// back into the engine.
type Display struct {
	mu       sync.Mutex
	lines    map[string]string // task id -> rendered line
	order    []string
	rendered int
	wg       sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{lines: make(map[string]string)}
}

// Watch consumes snapshots for one task until the channel closes.
func (d *Display) Watch(label string, taskID string, ch <-chan progress.Snapshot) {
	d.mu.Lock()
	d.order = append(d.order, taskID)
	d.lines[taskID] = fmt.Sprintf("%s %s", debugStyle.Render(StyleSymbols["bullet"]), label)
	d.mu.Unlock()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for snap := range ch {
			d.mu.Lock()
			d.lines[taskID] = renderLine(label, snap)
			d.mu.Unlock()
			d.redraw()
		}
	}()
}

// Wait blocks until every watched channel has closed and paints the
// final state.
func (d *Display) Wait() {
	d.wg.Wait()
	d.redraw()
	fmt.Println()
}

func (d *Display) redraw() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rendered > 0 {
		fmt.Printf("\033[%dA\033[J", d.rendered)
	}
	width := terminalWidth()
	for _, id := range d.order {
		line := d.lines[id]
		if len(line) > width*2 { // styled lines carry escape codes
			line = line[:width*2]
		}
		fmt.Println(line)
	}
	d.rendered = len(d.order)
}

func renderLine(label string, snap progress.Snapshot) string {
	bar := ProgressBar(snap.Downloaded, snap.TotalSize, 30)
	speed := utils.FormatSpeed(snap.Rate)
	var tail string
	if snap.TotalSize > 0 {
		tail = fmt.Sprintf("%s / %s %s %s",
			utils.FormatBytes(uint64(snap.Downloaded)),
			utils.FormatBytes(uint64(snap.TotalSize)),
			StyleSymbols["bullet"], speed)
		if snap.ETA > 0 {
			tail += fmt.Sprintf(" %s ETA %s", StyleSymbols["bullet"], snap.ETA.Round(time.Second))
		}
	} else {
		tail = fmt.Sprintf("%s %s %s",
			utils.FormatBytes(uint64(snap.Downloaded)),
			StyleSymbols["bullet"], speed)
	}
	return fmt.Sprintf("%s %s %s", bar, infoStyle.Render(label), debugStyle.Render(tail))
}

// ProgressBar renders a fixed-width bar; unknown totals render as an
// activity bar with no fill percentage.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		return debugStyle.Render(StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], width/3) + strings.Repeat(" ", width-width/3) + StyleSymbols["bullet"])
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := int(percent * float64(width))
	if filled > width {
		filled = width
	}
	bar := StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], filled) + strings.Repeat(" ", width-filled) + StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %5.1f%%", bar, percent*100))
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
