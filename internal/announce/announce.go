// Package announce voices called tokens. Announcements are queued on a
// bounded channel and delivered by a single worker, so a slow or failing
// speaker can never block or roll back a dispatch transition.
package announce

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	announcementsTotal   = expvar.NewInt("announcements_total")
	announcementsDropped = expvar.NewInt("announcements_dropped_total")
	announcementsFailed  = expvar.NewInt("announcements_failed_total")
)

// Speaker delivers one announcement.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// LogSpeaker is the fallback when no TTS gateway is configured.
type LogSpeaker struct{}

func (LogSpeaker) Speak(ctx context.Context, text string) error {
	log.Printf("announce: %s", text)
	return nil
}

// HTTPSpeaker posts the announcement text to a TTS gateway.
type HTTPSpeaker struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSpeaker) Speak(ctx context.Context, text string) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, strings.NewReader(text))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "speaker returned status " + http.StatusText(e.code)
}

type Announcer struct {
	speaker Speaker
	queue   chan string
	timeout time.Duration
}

func New(speaker Speaker, buffer int) *Announcer {
	if buffer <= 0 {
		buffer = 16
	}
	return &Announcer{
		speaker: speaker,
		queue:   make(chan string, buffer),
		timeout: 10 * time.Second,
	}
}

// Announce enqueues without blocking; when the buffer is full the
// announcement is dropped and counted, never the caller delayed.
func (a *Announcer) Announce(text string) {
	select {
	case a.queue <- text:
		announcementsTotal.Add(1)
	default:
		announcementsDropped.Add(1)
		log.Printf("announce queue full, dropping: %s", text)
	}
}

// Run drains the queue until ctx is cancelled. Speaker failures are logged
// and suppressed.
func (a *Announcer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			speakCtx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.speaker.Speak(speakCtx, text); err != nil {
				announcementsFailed.Add(1)
				log.Printf("announce error: %v", err)
			}
			cancel()
		}
	}
}
