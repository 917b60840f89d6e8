package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devherd/herd/pkg/agent"
	"github.com/devherd/herd/pkg/client"
	"github.com/devherd/herd/pkg/config"
	"github.com/devherd/herd/pkg/connection"
	"github.com/devherd/herd/pkg/dispatch"
	"github.com/devherd/herd/pkg/events"
	"github.com/devherd/herd/pkg/lifecycle"
	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/metrics"
	"github.com/devherd/herd/pkg/presence"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/devherd/herd/pkg/registry"
	"github.com/devherd/herd/pkg/server"
	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Herd - Device fleet task dispatch coordinator",
	Long: `Herd coordinates a fleet of remote automation devices: it enrolls
devices, tracks their presence over persistent channels, and dispatches
queued tasks one at a time to each device.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Herd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(broadcastCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the fleet coordinator",
	Long: `Run the Herd coordinator: the REST API, the persistent device
channel endpoint, the dispatcher and the presence monitor, backed by an
embedded datastore. A single process serves the whole fleet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		fmt.Println("Starting Herd coordinator...")
		fmt.Printf("  API Address: %s\n", cfg.ListenAddr)
		fmt.Printf("  Metrics Address: %s\n", cfg.MetricsAddr)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Println()

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open datastore: %v", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		reg := registry.New(store, broker, cfg.TokenTTL)
		conns := connection.NewManager(reg)
		dispatcher := dispatch.New(store, conns, broker)
		conns.SetIdleHandler(dispatcher.OnDeviceIdle)

		tracker := lifecycle.New(store, broker)
		tracker.SetIdleSignaler(dispatcher)

		monitor := presence.NewMonitor(store, conns, tracker, reg, presence.Config{
			TickInterval:     cfg.PresenceTick,
			OfflineThreshold: cfg.OfflineThreshold,
			StaleTaskTimeout: cfg.StaleTaskTimeout,
		})
		monitor.Start()
		defer monitor.Stop()
		fmt.Println("✓ Presence monitor started")

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go metricsSrv.ListenAndServe()
		defer metricsSrv.Close()
		fmt.Println("✓ Metrics endpoint started")

		apiServer := server.NewServer(server.Config{
			Store:             store,
			Registry:          reg,
			Connections:       conns,
			Dispatcher:        dispatcher,
			Tracker:           tracker,
			Broker:            broker,
			DefaultMaxRetries: cfg.DefaultMaxRetries,
		})
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.ListenAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()

		fmt.Println()
		fmt.Println("Coordinator is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		apiServer.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a device agent",
	Long: `Run the reference device agent: it registers with the coordinator,
opens the persistent channel and executes dispatched tasks. The built-in
runner only logs task parameters; real deployments supply their own.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadAgent(configPath)
		if err != nil {
			return err
		}
		if id, _ := cmd.Flags().GetString("device-id"); id != "" {
			cfg.DeviceID = id
		}
		if u, _ := cmd.Flags().GetString("server-url"); u != "" {
			cfg.ServerURL = u
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		a, err := agent.New(cfg, agent.RunnerFunc(logRunner))
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Agent running as device '%s'. Press Ctrl+C to stop.\n", cfg.DeviceID)
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// logRunner is the reference task runner: it acknowledges the task without
// touching a real device.
func logRunner(ctx context.Context, task protocol.NewTask) (json.RawMessage, error) {
	logger := log.WithTaskID(task.TaskID)
	logger.Info().
		Str("type", string(task.Type)).
		RawJSON("parameters", orEmpty(task.Parameters)).
		Msg("executing task")
	return json.RawMessage(`{"acknowledged":true}`), nil
}

func orEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create DEVICE_ID",
	Short: "Enqueue a task for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID := args[0]
		taskType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetString("priority")
		params, _ := cmd.Flags().GetString("parameters")
		description, _ := cmd.Flags().GetString("description")
		serverURL, _ := cmd.Flags().GetString("server")

		var rawParams json.RawMessage
		if params != "" {
			if !json.Valid([]byte(params)) {
				return fmt.Errorf("--parameters must be valid JSON")
			}
			rawParams = json.RawMessage(params)
		}

		c := client.NewClient(serverURL)
		task, err := c.CreateTask(client.CreateTaskRequest{
			DeviceID:    deviceID,
			Type:        types.TaskType(taskType),
			Parameters:  rawParams,
			Priority:    types.TaskPriority(priority),
			Description: description,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Task created: %s\n", task.ID)
		fmt.Printf("  Device: %s\n", task.DeviceID)
		fmt.Printf("  Type: %s\n", task.Type)
		fmt.Printf("  Priority: %s\n", task.Priority)
		fmt.Printf("  Status: %s\n", task.Status)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device-id")
		status, _ := cmd.Flags().GetString("status")
		serverURL, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverURL)
		tasks, err := c.ListTasks(deviceID, status)
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		fmt.Printf("%-36s  %-14s  %-8s  %-9s  %-7s  %s\n",
			"ID", "TYPE", "PRIORITY", "STATUS", "RETRIES", "DEVICE")
		for _, t := range tasks {
			fmt.Printf("%-36s  %-14s  %-8s  %-9s  %d/%d      %s\n",
				t.ID, t.Type, t.Priority, t.Status, t.RetryCount, t.MaxRetries, t.DeviceID)
		}
		return nil
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverURL)
		devices, err := c.ListDevices()
		if err != nil {
			return err
		}

		if len(devices) == 0 {
			fmt.Println("No devices registered.")
			return nil
		}
		fmt.Printf("%-24s  %-20s  %-8s  %-20s  %s\n",
			"ID", "NAME", "ONLINE", "LAST SEEN", "CURRENT TASK")
		for _, d := range devices {
			lastSeen := "-"
			if !d.LastSeenAt.IsZero() {
				lastSeen = d.LastSeenAt.Format(time.RFC3339)
			}
			current := d.CurrentTaskID
			if current == "" {
				current = "-"
			}
			fmt.Printf("%-24s  %-20s  %-8t  %-20s  %s\n",
				d.ID, d.Name, d.Online, lastSeen, current)
		}
		return nil
	},
}

var deviceCommandCmd = &cobra.Command{
	Use:   "command DEVICE_ID COMMAND",
	Short: "Send a management command to a device",
	Long: `Send an out-of-band management command to a connected device.
Supported commands: restart-device, update-app, clear-cache, send-message.
Delivery is best-effort; an offline device misses the command.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		payload, _ := cmd.Flags().GetString("payload")

		var rawPayload json.RawMessage
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			rawPayload = json.RawMessage(payload)
		}

		c := client.NewClient(serverURL)
		delivered, err := c.SendCommand(args[0], args[1], rawPayload)
		if err != nil {
			return err
		}
		if delivered {
			fmt.Println("✓ Command delivered")
		} else {
			fmt.Println("Device is not connected; command was not delivered.")
		}
		return nil
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast MESSAGE",
	Short: "Broadcast a message to all connected devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")

		c := client.NewClient(serverURL)
		sent, err := c.Broadcast(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Broadcast delivered to %d device(s)\n", sent)
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("listen-addr", "", "API listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")

	agentCmd.Flags().String("config", "", "Path to YAML config file")
	agentCmd.Flags().String("device-id", "", "Device ID (overrides config)")
	agentCmd.Flags().String("server-url", "", "Coordinator base URL (overrides config)")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCreateCmd.Flags().String("type", "", "Task type")
	taskCreateCmd.Flags().String("priority", "", "Task priority (high, normal, low)")
	taskCreateCmd.Flags().String("parameters", "", "Task parameters as JSON")
	taskCreateCmd.Flags().String("description", "", "Human-readable description")
	taskCreateCmd.Flags().String("server", "http://127.0.0.1:8080", "Coordinator base URL")
	taskCreateCmd.MarkFlagRequired("type")
	taskListCmd.Flags().String("device-id", "", "Filter by device")
	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().String("server", "http://127.0.0.1:8080", "Coordinator base URL")

	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceCommandCmd)
	deviceListCmd.Flags().String("server", "http://127.0.0.1:8080", "Coordinator base URL")
	deviceCommandCmd.Flags().String("payload", "", "Command payload as JSON")
	deviceCommandCmd.Flags().String("server", "http://127.0.0.1:8080", "Coordinator base URL")

	broadcastCmd.Flags().String("server", "http://127.0.0.1:8080", "Coordinator base URL")
}
