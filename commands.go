package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"vodpipeline/config"
	"vodpipeline/models"
	"vodpipeline/queue"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "vodpipeline",
		Short:         "Video to HLS packaging pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newRegisterCommand(),
		newTranscodeCommand(),
		newCaptionCommand(),
		newPublishCommand(),
		newDeleteCommand(),
		newShowCommand(),
		newJobsCommand(),
		newThumbnailCommand(),
	)
	return root
}

// withApp loads configuration, connects the backing services and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, config.Load())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcode and caption workers and the event pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				return serve(a)
			})
		},
	}
}

func serve(a *app) error {
	log.Println("Starting video pipeline service...")

	pool := a.pool()
	orchestrator := a.orchestrator()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerID := 0
	startWorkers := func(count int, jobType models.JobType) {
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.StartWorker(ctx, id, jobType)
			}(workerID)
			workerID++
		}
	}
	startWorkers(a.cfg.TranscodeWorkers, models.JobTranscodeVideo)
	startWorkers(a.cfg.CaptionWorkers, models.JobTranscodeCaption)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orchestrator.Run(ctx); err != nil {
			log.Printf("[Pipeline] Stopped: %v", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.queue.RecoveryLoop(ctx, a.cfg.RecoveryInterval, queue.RestartPolicy(a.cfg.RestartPolicy))
	}()

	log.Printf("Started %d transcode and %d caption workers", a.cfg.TranscodeWorkers, a.cfg.CaptionWorkers)
	log.Printf("Storage directory: %s", a.cfg.StorageDir)
	if a.cfg.MirrorEnabled() {
		log.Printf("Mirroring packaged output to s3://%s/%s", a.cfg.S3Bucket, a.cfg.S3Prefix)
	}
	log.Println("Service is ready to process videos")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Println("Shutdown signal received, stopping workers...")
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-time.After(shutdownTimeout):
		log.Println("Shutdown timeout, forcing exit")
	}

	log.Println("Video pipeline service stopped")
	return nil
}

func newRegisterCommand() *cobra.Command {
	var (
		title string
		start bool
	)
	cmd := &cobra.Command{
		Use:   "register <source>",
		Short: "Register a source video for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				video, err := a.service.RegisterVideo(ctx, args[0], title)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Registered video %s (%.1fs)\n", video.ID, video.DurationSeconds)
				if !start {
					return nil
				}
				handle, err := a.service.StartTranscoding(ctx, video.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Queued transcode job %s\n", handle.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Video title (defaults to the file name)")
	cmd.Flags().BoolVar(&start, "start", false, "Queue the transcode right away")
	return cmd
}

func newTranscodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transcode <video-id>",
		Short: "Queue the HLS transcode of a registered video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				handle, err := a.service.StartTranscoding(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued transcode job %s\n", handle.ID)
				return nil
			})
		},
	}
}

func newCaptionCommand() *cobra.Command {
	var (
		lang string
		name string
	)
	cmd := &cobra.Command{
		Use:   "caption <video-id> <caption-file>",
		Short: "Add a WebVTT caption track to a video",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				handle, err := a.service.AddCaption(ctx, args[0], args[1], lang, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued caption job %s\n", handle.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "BCP 47 language tag, e.g. en or pt-BR")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the language name)")
	_ = cmd.MarkFlagRequired("lang")
	return cmd
}

func newPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <video-id>",
		Short: "Publish a transcoded video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.Publish(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published video %s\n", args[0])
				return nil
			})
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <video-id>",
		Short: "Delete a video's files and mark it deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.service.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted video %s\n", args[0])
				return nil
			})
		},
	}
}

func newThumbnailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "thumbnail <video-id>",
		Short: "Capture a thumbnail from a video's source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				path, err := a.service.CaptureThumbnail(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <video-id>",
		Short: "Show a video and its captions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				video, err := a.service.Video(ctx, args[0])
				if err != nil {
					return err
				}
				writeVideo(cmd.OutOrStdout(), video)
				return nil
			})
		},
	}
}

func newJobsCommand() *cobra.Command {
	var jobType string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued and active jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			types := []models.JobType{models.JobTranscodeVideo, models.JobTranscodeCaption}
			if jobType != "" {
				types = []models.JobType{models.JobType(jobType)}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var jobs []models.Job
				for _, t := range types {
					part, err := a.queue.List(ctx, t)
					if err != nil {
						return err
					}
					jobs = append(jobs, part...)
				}
				writeJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "Only list jobs of this type (transcode-video, transcode-caption)")
	return cmd
}

func writeVideo(w io.Writer, v *models.Video) {
	info := newSheet("Video "+v.ID, col("Field"), column{Title: "Value", Align: text.AlignLeft, WidthMax: pathWidth})
	info.add("Title", v.Title)
	info.add("Status", string(v.Status))
	info.add("Duration", formatSeconds(v.DurationSeconds))
	info.add("Renditions", strings.Join(v.AvailableRenditions, ", "))
	info.add("Source", v.OriginalAssetRef)
	if src := v.Source; src != nil {
		info.add("Resolution", src.Resolution)
		info.add("Frame rate", strconv.FormatFloat(src.FrameRate, 'f', -1, 64))
		info.add("Video codec", formatCodec(src.VideoCodec, src.VideoBitrate))
		info.add("Audio codec", formatCodec(src.AudioCodec, src.AudioBitrate))
	}
	info.add("Directory", v.WorkingDirectoryRef)
	info.add("Thumbnail", v.Thumbnail)
	info.add("Published", strconv.FormatBool(v.IsPublished))
	info.add("Updated", formatTime(v.UpdatedAt))
	info.write(w)

	if len(v.Captions) == 0 {
		return
	}
	captions := newSheet("Captions", col("Language"), col("Name"), col("Rendition"), col("Updated"))
	for _, c := range v.Captions {
		rendition := c.RenditionName
		if rendition == "" {
			rendition = "(pending)"
		}
		captions.add(c.LanguageTag, c.DisplayName, rendition, formatTime(c.UpdatedAt))
	}
	captions.write(w)
}

func writeJobs(w io.Writer, jobs []models.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No queued or active jobs")
		return
	}
	sheet := newSheet("", col("ID"), col("Type"), col("Video"), col("Status"), numericCol("Attempts"), col("Updated"))
	for _, j := range jobs {
		sheet.add(j.ID, string(j.Type), j.Key, string(j.Status), strconv.Itoa(j.Attempts), formatTime(j.UpdatedAt))
	}
	sheet.write(w)
}

func formatCodec(codec string, bitRate int) string {
	if codec == "" {
		return ""
	}
	if bitRate <= 0 {
		return codec
	}
	return fmt.Sprintf("%s @ %d kb/s", codec, bitRate/1000)
}

func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
