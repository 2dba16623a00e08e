// Command mockprovider is a local stand-in for the transcription and
// chat-completions APIs, for running the relay without external services.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/leonrode/hackharvard/internal/audio"
	"github.com/leonrode/hackharvard/internal/transcription"
)

type options struct {
	addr    string
	topic   string
	text    string
	latency time.Duration
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "mockprovider",
		Short: "Fake transcription and chat-completions endpoints for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":9000", "Listen address")
	cmd.Flags().StringVar(&opts.topic, "topic", "conversation", "Topic id attached to every transcription")
	cmd.Flags().StringVar(&opts.text, "text", "This is a test transcription of an audio segment", "Transcribed text")
	cmd.Flags().DurationVar(&opts.latency, "latency", 200*time.Millisecond, "Simulated processing time")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	r := chi.NewRouter()
	r.Post("/transcribe", transcribeHandler(opts, logger))
	r.Post("/v1/chat/completions", completionsHandler(opts, logger))

	logger.Info("Mock provider starting",
		slog.String("address", opts.addr),
		slog.String("transcription_endpoint", fmt.Sprintf("http://localhost%s/transcribe", opts.addr)),
		slog.String("recommendation_endpoint", fmt.Sprintf("http://localhost%s/v1/chat/completions", opts.addr)),
	)
	return http.ListenAndServe(opts.addr, r)
}

func transcribeHandler(opts options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		audioData, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		info, err := audio.GetWAVInfo(audioData)
		if err != nil {
			logger.Warn("Rejected upload", slog.String("error", err.Error()))
			http.Error(w, "Invalid WAV file: "+err.Error(), http.StatusBadRequest)
			return
		}

		logger.Info("Transcription request received",
			slog.String("request_id", r.FormValue("request_id")),
			slog.String("session_id", r.FormValue("session_id")),
			slog.String("seq", r.FormValue("seq")),
			slog.String("duration", r.FormValue("duration")),
			slog.String("filename", header.Filename),
			slog.Int("audio_size", len(audioData)),
			slog.Float64("audio_seconds", info.Duration),
			slog.Int("sample_rate", int(info.SampleRate)),
		)

		time.Sleep(opts.latency)

		response := transcription.Response{
			Text: opts.text,
			Topics: []transcription.TopicUpdate{{
				TopicID:     opts.topic,
				Description: "Mock topic " + opts.topic,
				Blurb:       opts.text,
				Content:     opts.text,
			}},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

type completionRequest struct {
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
}

// completionsHandler answers with one canned recommendation per topic named
// in the prompt
func completionsHandler(opts options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		ids := promptTopicIDs(req.Messages[len(req.Messages)-1].Content)
		recs := make(map[string][]string, len(ids))
		for _, id := range ids {
			recs[id] = []string{fmt.Sprintf("Ask a follow-up question about %s", id)}
		}
		logger.Info("Completion request received", slog.Int("topics", len(ids)))

		time.Sleep(opts.latency)

		reply, _ := json.Marshal(recs)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{
					"role":    "assistant",
					"content": "```json\n" + string(reply) + "\n```",
				},
			}},
		})
	}
}

// promptTopicIDs extracts the topic keys from the JSON list that closes a
// recommendation prompt
func promptTopicIDs(prompt string) []string {
	start := strings.LastIndex(prompt, "\n[")
	if start < 0 {
		return nil
	}

	var list []struct {
		TopicKey string `json:"topic_key"`
	}
	if err := json.Unmarshal([]byte(prompt[start+1:]), &list); err != nil {
		return nil
	}

	ids := make([]string, 0, len(list))
	for _, t := range list {
		ids = append(ids, t.TopicKey)
	}
	return ids
}
