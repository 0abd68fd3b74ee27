// Command upload sends one audio file to the transcription backend and
// prints the final result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MarkHenton/n8n-med-scribe/internal/config"
	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
	"github.com/MarkHenton/n8n-med-scribe/internal/services"
	"github.com/MarkHenton/n8n-med-scribe/internal/storage"
	"github.com/MarkHenton/n8n-med-scribe/internal/upload"
)

func main() {
	disciplineID := flag.String("discipline", "", "discipline id sent with the upload")
	disciplineName := flag.String("name", "", "discipline name sent with the upload")
	flag.Parse()

	if flag.NArg() != 1 || *disciplineID == "" {
		fmt.Fprintln(os.Stderr, "usage: upload -discipline <id> [-name <name>] <audio file>")
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	audio, err := storage.DescribeAudio(flag.Arg(0))
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan domain.TranscriptionResult, 1)
	// OnChange calls are serialized by the widget, so last needs no lock.
	var last domain.UploadStatus
	widget := upload.NewWidget(ctx, services.NewVPSClient(cfg), upload.Options{
		PollInterval:    cfg.PollInterval,
		CompletionGrace: cfg.CompletionGrace,
		MaxPollAttempts: cfg.MaxPollAttempts,
		OnChange: func(job domain.UploadJob) {
			switch job.Status {
			case domain.UploadStatusUploading:
				if job.UploadIndeterminate {
					if last != job.Status {
						log.Printf("uploading %s", job.File.Name)
					}
				} else {
					log.Printf("uploading %s: %d%%", job.File.Name, job.UploadProgress)
				}
			case domain.UploadStatusTranscribing:
				log.Printf("transcribing task %s: %d%%", job.TaskID, job.TranscriptionProgress)
			case domain.UploadStatusError:
				log.Printf("failed: %s", job.Error)
				close(done)
			}
			last = job.Status
		},
		OnComplete: func(_ domain.UploadJob, result domain.TranscriptionResult) {
			done <- result
		},
	})
	defer widget.Close()

	if err := widget.Select(audio); err != nil {
		log.Fatalf("%v", err)
	}
	if err := widget.Submit(*disciplineID, *disciplineName); err != nil {
		log.Fatalf("%v", err)
	}

	select {
	case result, ok := <-done:
		if !ok {
			widget.Close()
			os.Exit(1)
		}
		printResult(result)
	case <-ctx.Done():
		log.Printf("interrupted")
	}
}

func printResult(result domain.TranscriptionResult) {
	transcript, err := services.ParseTranscript(result)
	if err != nil {
		log.Printf("%v", err)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	out.Encode(map[string]any{
		"transcription": transcript.Text,
		"summary":       transcript.Summary,
		"language":      transcript.Language,
		"durationMs":    transcript.DurationMs,
		"raw":           result,
	})
}
