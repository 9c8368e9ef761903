package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/queue"
	"github.com/frahmantamala/payment-connector/pkg/logger"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish test events through the configured sink and inspect the local outbox`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish a test event",
	Long:  `Publish a test event through the emitter for testing and debugging sinks`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishTestEvent(cmd.Context(), events.Kind(args[0]))
	},
}

var listEventCmd = &cobra.Command{
	Use:   "list",
	Short: "List events in the bolt outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listOutbox()
	},
}

var (
	eventResource string
	eventService  string
	listAfter     uint64
	listLimit     int
)

func publishTestEvent(ctx context.Context, kind events.Kind) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.LoggerWrapper()

	deps := &Dependencies{Config: cfg, Logger: log}
	if needsAWS(cfg) {
		awsCfg, err := queue.LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		deps.SQS = queue.NewSQSClient(awsCfg, cfg.AWS.Endpoint)
	}
	// a test event is never deduplicated against real traffic
	emitter, err := deps.newEmitter(events.NewMemoryDeduplicator(cfg.Events.DedupeTTL))
	if err != nil {
		return err
	}
	deps.Emitter = emitter
	defer deps.Close()

	resource := eventResource
	if resource == "" {
		resource = fmt.Sprintf("test-%d", time.Now().Unix())
	}
	event := events.DomainEvent{
		ID:                 uuid.New().String(),
		Kind:               kind,
		ResourceType:       events.ResourceTypePayment,
		ResourceExternalID: resource,
		ServiceID:          eventService,
		Timestamp:          time.Now().UTC(),
		Details:            events.EmptyDetails{},
	}

	log.Info("publishing test event", "event_type", kind, "event_id", event.ID, "sink", cfg.Events.Sink)
	if err := emitter.Emit(ctx, event); err != nil {
		log.Error("failed to publish event", "error", err)
		return err
	}

	log.Info("test event published successfully")
	return nil
}

func listOutbox() error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	outbox, err := events.OpenOutbox(cfg.Events.BoltPath)
	if err != nil {
		return err
	}
	defer outbox.Close()

	records, err := outbox.List(listAfter, listLimit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, r := range records {
		if err := enc.Encode(map[string]any{"sequence": r.Sequence, "event": r.Event}); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	publishEventCmd.Flags().StringVar(&eventResource, "resource", "", "Resource external id (defaults to a generated one)")
	publishEventCmd.Flags().StringVar(&eventService, "service", "", "Service id to stamp on the event")

	listEventCmd.Flags().Uint64Var(&listAfter, "after", 0, "Only list events after this sequence number")
	listEventCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of events, 0 for all")

	eventCmd.AddCommand(publishEventCmd)
	eventCmd.AddCommand(listEventCmd)

	rootCmd.AddCommand(eventCmd)
}
