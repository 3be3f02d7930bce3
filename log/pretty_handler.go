// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// PrettyHandler is a slog.Handler writing one colored line per entry,
// meant for terminals during local development.
type PrettyHandler struct {
	prefix string
	attrs  []slog.Attr
	level  slog.Leveler

	mu  *sync.Mutex
	out io.Writer
}

var (
	_ slog.Handler = (*PrettyHandler)(nil)

	levelTags = map[slog.Level]string{
		slog.LevelDebug: color.New(color.FgWhite, color.Bold).Sprint("DEBUG"),
		slog.LevelInfo:  color.New(color.FgBlue, color.Bold).Sprint("INFO"),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold).Sprint("WARN"),
		slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
	}

	faint     = color.New(color.Faint)
	faintBold = color.New(color.Faint, color.Bold)
	message   = color.New(color.FgHiWhite)
	value     = color.New(color.FgWhite)
	errorKey  = color.New(color.FgRed)
)

// NewPrettyHandler creates a PrettyHandler writing to out. A nil opts
// logs at info level and above.
func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{
		out:   out,
		mu:    &sync.Mutex{},
		level: slog.LevelInfo,
	}

	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}

	return h
}

func (h *PrettyHandler) clone() *PrettyHandler {
	h2 := *h
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	return &h2
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := getBuffer()
	defer freeBuffer(bf)

	var (
		name  string
		attrs = make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	)

	for _, a := range h.attrs {
		if a.Key == "name" {
			name = a.Value.String()
			continue
		}
		attrs = append(attrs, a)
	}

	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.prefix + a.Key
		attrs = append(attrs, a)
		return true
	})

	tag, ok := levelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}

	fmt.Fprintf(bf, "%s %s ", faint.Sprint(r.Time.Format(time.RFC3339)), tag)
	if name != "" {
		fmt.Fprintf(bf, "%s ", faintBold.Sprint(name))
	}
	fmt.Fprint(bf, message.Sprint(r.Message))

	for _, a := range attrs {
		keyColor := faint
		if strings.Contains(a.Key, "err") {
			keyColor = errorKey
		}
		fmt.Fprintf(bf, " %s%s", keyColor.Sprintf("%s=", a.Key), value.Sprint(a.Value.String()))
	}

	bf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.Copy(h.out, bf)
	return err
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h2 := h.clone()
	h2.prefix += name + "."
	return h2
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		h2.attrs = append(h2.attrs, a)
	}
	return h2
}
