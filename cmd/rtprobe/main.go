package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/rtbridge/internal/audio"
)

// rtprobe drives one gateway session end to end: send text turns, print the
// streamed deltas with timings, then fetch the journaled session record.

type options struct {
	baseURL     string
	sessionID   string
	turnTimeout time.Duration
	texts       []string
	saveAudio   string
	sampleRate  int
	verbose     bool
}

type wsFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Code        string `json:"code,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

var defaultUtterances = []string{
	"Reply in one short sentence: what can you do?",
	"Tell me more about that.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var texts string
	flag.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "gateway base URL")
	flag.StringVar(&cfg.sessionID, "session", "", "session id (default probe-<random>)")
	flag.DurationVar(&cfg.turnTimeout, "turn-timeout", 20*time.Second, "max wait per turn")
	flag.StringVar(&texts, "texts", "", "pipe-separated utterances (default built-in)")
	flag.StringVar(&cfg.saveAudio, "save-audio", "", "write received assistant audio to this WAV file")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "sample rate for -save-audio")
	flag.BoolVar(&cfg.verbose, "v", false, "log every frame")
	flag.Parse()

	if cfg.sessionID == "" {
		cfg.sessionID = "probe-" + uuid.NewString()[:8]
	}
	if texts != "" {
		for _, t := range strings.Split(texts, "|") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
	}
	if len(cfg.texts) == 0 {
		cfg.texts = defaultUtterances
	}
	if _, err := url.Parse(cfg.baseURL); err != nil {
		return options{}, fmt.Errorf("invalid base url: %w", err)
	}
	return cfg, nil
}

func run(cfg options) error {
	wsURL, err := websocketURL(cfg.baseURL, cfg.sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session %s -> %s\n", cfg.sessionID, wsURL)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	var pcm []byte
	for i, text := range cfg.texts {
		fmt.Printf("\nturn %d> %s\n", i+1, text)
		if err := conn.WriteJSON(wsFrame{Type: "message", Content: text}); err != nil {
			return fmt.Errorf("send turn: %w", err)
		}
		if err := readTurn(conn, cfg, &pcm); err != nil {
			return err
		}
	}

	_ = conn.WriteJSON(map[string]string{"type": "control", "action": "close"})
	conn.Close()

	if cfg.saveAudio != "" && len(pcm) > 0 {
		if err := audio.WriteWAVPCM16LEFile(cfg.saveAudio, pcm, cfg.sampleRate); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
		fmt.Printf("wrote %d bytes of audio to %s\n", len(pcm), cfg.saveAudio)
	}

	return printJournal(cfg)
}

func readTurn(conn *websocket.Conn, cfg options, pcm *[]byte) error {
	start := time.Now()
	deadline := start.Add(cfg.turnTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		elapsed := time.Since(start).Seconds()
		switch frame.Type {
		case "text":
			fmt.Printf("[%6.2fs] %s", elapsed, frame.Content)
		case "assistant_audio_chunk":
			if raw, err := base64.StdEncoding.DecodeString(frame.AudioBase64); err == nil {
				*pcm = append(*pcm, raw...)
			}
			if cfg.verbose {
				fmt.Printf("[%6.2fs] audio chunk (%d b64 bytes)\n", elapsed, len(frame.AudioBase64))
			}
		case "done":
			fmt.Printf("\n[%6.2fs] turn complete\n", elapsed)
			return nil
		case "error":
			if frame.Retryable {
				fmt.Printf("[%6.2fs] transient error %s: %s\n", elapsed, frame.Code, frame.Detail)
				continue
			}
			return fmt.Errorf("gateway error %s: %s", frame.Code, frame.Detail)
		default:
			if cfg.verbose {
				fmt.Printf("[%6.2fs] %s frame\n", elapsed, frame.Type)
			}
		}
	}
}

func printJournal(cfg options) error {
	resp, err := http.Get(strings.TrimRight(cfg.baseURL, "/") + "/v1/sessions/" + cfg.sessionID)
	if err != nil {
		return fmt.Errorf("fetch session record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch session record: status %d", resp.StatusCode)
	}
	var rec map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return fmt.Errorf("decode session record: %w", err)
	}
	fmt.Printf("\njournal: status=%v duration=%vs summary=%q\n", rec["status"], rec["duration_seconds"], rec["summary"])
	return nil
}

func websocketURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/session/" + url.PathEscape(sessionID)
	return u.String(), nil
}
