package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"presence/internal/archive"
	"presence/internal/capture"
	"presence/internal/config"
	"presence/internal/faceclient"
	"presence/internal/meeting"
	"presence/internal/poller"
	"presence/internal/queue"
	"presence/internal/session"
	"presence/internal/store"
)

// Tracker consumes meeting lifecycle events and runs one attendance polling
// controller per tracked participant.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:meetings")
	}

	repo := session.NewRepository(db.Client)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceMode, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: Face service not available: %v", err)
			log.Println("Tracker will retry classification when cycles run")
		} else {
			log.Println("Face service connected")
		}
	}

	var source capture.Source
	if cfg.CameraSkip {
		source, err = capture.NewStaticSource(cfg.JPEGQuality)
		if err != nil {
			log.Fatalf("static camera source failed: %v", err)
		}
		log.Println("Camera skip enabled, using synthesized frames")
	} else {
		source = capture.NewMJPEGSource(cfg.CameraURL, cfg.JPEGQuality)
	}

	var archiver poller.FrameArchiver
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		archiver = archive.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Frame archive configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Frame archive not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	// The known roster is loaded once at startup and injected into every
	// controller; unenrolled participants classify as unrecognized.
	roster, err := repo.RosterEmails(ctx)
	if err != nil {
		log.Fatalf("roster load failed: %v", err)
	}
	log.Printf("roster loaded: %d enrolled identities", len(roster))

	manager := poller.NewManager(poller.Config{
		Interval:    cfg.PollInterval,
		SubInterval: cfg.SubPollInterval,
		CycleCap:    cfg.CycleCap,
	}, roster, source, face, repo, archiver)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("tracker started, waiting for meeting events...")
	for msg := range messages {
		if msg.Type != "meeting" {
			continue
		}

		evt, err := meeting.Decode(msg.Body)
		if err != nil {
			log.Printf("bad meeting event dropped: %v", err)
			continue
		}

		if err := manager.HandleEvent(ctx, evt); err != nil {
			log.Printf("meeting event %s/%s failed: %v", evt.Type, evt.Room, err)
		}
	}

	manager.StopAll()
	log.Println("tracker stopped")
}
