package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/cirkelline/localagent/pkg/bus"
	"github.com/cirkelline/localagent/pkg/config"
	"github.com/cirkelline/localagent/pkg/logger"
	"github.com/cirkelline/localagent/pkg/queue"
	"github.com/cirkelline/localagent/pkg/store"
	"github.com/cirkelline/localagent/pkg/syncer"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Local-first sync agent for memories, sessions, and knowledge",
		Long: strings.TrimSpace(`localagent keeps agent state on this device and reconciles it
with the cloud workspace in the background.

Records are written locally first; a sync ledger tracks what the cloud has not
seen yet. Background tasks (embedding, transcription, extraction, preload) run
under resource limits so the agent never competes with foreground work.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newRunCommand())
	root.AddCommand(newRegisterCommand())
	root.AddCommand(newSyncCommand())
	root.AddCommand(newPauseCommand())
	root.AddCommand(newResumeCommand())
	root.AddCommand(newConflictsCommand())
	root.AddCommand(newTasksCommand())
	root.AddCommand(newMemoryCommand())
	root.AddCommand(newTelemetryCommand())
	root.AddCommand(newModelsCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the background agent (task runner + sync scheduler + telemetry)",
		Long:    "Start the task runner, the periodic sync scheduler, and the health reporter, and keep them running until interrupted.",
		Example: "  localagent run --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requeued, err := a.queue.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if requeued > 0 {
		fmt.Printf("Requeued %d interrupted tasks\n", requeued)
	}

	go logEvents(ctx, a.events)

	a.runner.Start()
	a.sched.Start()
	a.reporter.Start()

	fmt.Printf("%s running (device: %s, workspace: %s)\n", appName, orUnregistered(cfg.DeviceID()), cfg.WorkspacePath())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	a.reporter.Stop()
	a.sched.Stop()
	a.runner.Stop()
	fmt.Println("Stopped")
	return nil
}

// logEvents drains the status bus so daemon activity shows up in the
// component log.
func logEvents(ctx context.Context, events *bus.EventBus) {
	for {
		ev, ok := events.Consume(ctx)
		if !ok {
			return
		}
		fields := make(map[string]interface{}, len(ev.Fields))
		for k, v := range ev.Fields {
			fields[k] = v
		}
		switch ev.Kind {
		case bus.EventTaskFailed, bus.EventSyncFailed, bus.EventHealthDegraded:
			logger.WarnCF("events", string(ev.Kind), fields)
		default:
			logger.InfoCF("events", string(ev.Kind), fields)
		}
	}
}

func orUnregistered(id string) string {
	if id == "" {
		return "unregistered"
	}
	return id
}

func newRegisterCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:     "register",
		Short:   "Register this device with the cloud workspace",
		Long:    "Register the device and persist the issued API key and device ID. Registration is the only cloud call that works before a key exists; sync requires a registered device.",
		Example: "  localagent register --name workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.TrimSpace(name) == "" {
				name = cfg.Agent.DeviceName
			}

			client := syncer.NewHTTPClient(cfg.APIBase(), cfg.APIKey(), cfg.DeviceID())
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			device, err := client.RegisterDevice(ctx, name)
			if err != nil {
				return fmt.Errorf("register device: %w", err)
			}
			cfg.SetDeviceID(device.ID)
			if device.APIKey != "" {
				cfg.SetAPIKey(device.APIKey)
			}
			if device.SyncIntervalSeconds > 0 {
				cfg.SetSyncInterval(time.Duration(device.SyncIntervalSeconds) * time.Second)
			}
			if err := config.SaveConfig(getConfigPath(), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Registered as %s (%s)\n", device.Name, device.ID)
			if device.APIKey != "" {
				fmt.Println("API key stored in config.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Device name (defaults to agent.device_name)")
	return cmd
}

func newSyncCommand() *cobra.Command {
	syncRoot := &cobra.Command{
		Use:   "sync",
		Short: "Trigger or inspect cloud synchronization",
	}

	syncRoot.AddCommand(&cobra.Command{
		Use:     "now",
		Short:   "Run one full sync cycle immediately",
		Example: "  localagent sync now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.cfg.DeviceID() == "" {
					return fmt.Errorf("device not registered, run: %s register", appName)
				}
				if a.cfg.OfflineMode() {
					return fmt.Errorf("offline mode is on, run: %s sync offline off", appName)
				}
				status, err := a.engine.Sync(ctx)
				if err != nil {
					return fmt.Errorf("sync: %w", err)
				}
				printSyncStatus(status)
				return nil
			})
		},
	})

	syncRoot.AddCommand(&cobra.Command{
		Use:     "status",
		Short:   "Show pending uploads, conflicts, and last sync time",
		Example: "  localagent sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				status, err := a.engine.Status(ctx)
				if err != nil {
					return err
				}
				printSyncStatus(status)
				return nil
			})
		},
	})

	offline := &cobra.Command{
		Use:   "offline <on|off>",
		Short: "Toggle offline mode (no network calls while on)",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  localagent sync offline on",
			"  localagent sync offline off",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enable bool
			switch args[0] {
			case "on":
				enable = true
			case "off":
				enable = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.SetOfflineMode(enable)
			if err := config.SaveConfig(getConfigPath(), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			if enable {
				fmt.Println("Offline mode on. Local work continues, nothing touches the network.")
			} else {
				fmt.Println("Offline mode off.")
			}
			return nil
		},
	}
	syncRoot.AddCommand(offline)

	return syncRoot
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "pause",
		Short:   "Pause background tasks (running work finishes first)",
		Example: "  localagent pause",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.SetPaused(true)
			if err := config.SaveConfig(getConfigPath(), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Println("Background work paused.")
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "resume",
		Short:   "Resume paused background tasks",
		Example: "  localagent resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.SetPaused(false)
			if err := config.SaveConfig(getConfigPath(), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Println("Background work resumed.")
			return nil
		},
	}
}

func printSyncStatus(s syncer.SyncStatus) {
	fmt.Println("Sync status")
	fmt.Println("-----------")
	if s.LastSync != nil {
		fmt.Printf("Last sync:         %s\n", s.LastSync.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Last sync:         never")
	}
	fmt.Printf("Syncing now:       %v\n", s.IsSyncing)
	fmt.Printf("Pending uploads:   %d\n", s.PendingUploads)
	fmt.Printf("Pending downloads: %d\n", s.PendingDownloads)
	fmt.Printf("Open conflicts:    %d\n", s.Conflicts)
	fmt.Printf("Transferred:       %d up / %d down bytes\n", s.BytesUploaded, s.BytesDownloaded)
	if s.LastError != "" {
		fmt.Printf("Last error:        %s\n", s.LastError)
	}
}

func newConflictsCommand() *cobra.Command {
	conflictsRoot := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
		Long:  "A conflict is recorded when a pull collides with local edits that were not pushed yet. The local record stays untouched and the remote version is held back until the conflict is resolved.",
	}

	conflictsRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List open conflicts",
		Example: "  localagent conflicts list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				conflicts, err := a.engine.Conflicts(ctx)
				if err != nil {
					return fmt.Errorf("list conflicts: %w", err)
				}
				if len(conflicts) == 0 {
					fmt.Println("No open conflicts.")
					return nil
				}
				for _, c := range conflicts {
					fmt.Printf("%s  %s %s (cloud %s)\n", c.ID, c.Entity, c.LocalID, c.CloudID)
					fmt.Printf("    local updated:  %s\n", time.UnixMilli(c.LocalUpdatedMS).Format("2006-01-02 15:04:05"))
					fmt.Printf("    remote updated: %s\n", time.UnixMilli(c.RemoteUpdatedMS).Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	})

	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve <conflict_id>",
		Short: "Resolve one conflict",
		Long:  "Resolve a conflict with --resolution, or interactively when the flag is omitted.",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  localagent conflicts resolve cfl_01HX --resolution keep_local",
			"  localagent conflicts resolve cfl_01HX",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				chosen := syncer.ConflictResolution(resolution)
				if resolution == "" {
					var err error
					chosen, err = promptResolution(ctx, a, args[0])
					if err != nil {
						return err
					}
					if chosen == syncer.Manual {
						fmt.Println("Left unresolved.")
						return nil
					}
				}
				if err := a.engine.Resolve(ctx, args[0], chosen); err != nil {
					return fmt.Errorf("resolve conflict: %w", err)
				}
				fmt.Printf("Resolved %s with %s\n", args[0], chosen)
				return nil
			})
		},
	}
	resolve.Flags().StringVarP(&resolution, "resolution", "r", "", "keep_local, keep_remote, or merge")
	conflictsRoot.AddCommand(resolve)

	return conflictsRoot
}

// promptResolution shows both sides of a conflict and reads a choice.
func promptResolution(ctx context.Context, a *app, conflictID string) (syncer.ConflictResolution, error) {
	conflicts, err := a.engine.Conflicts(ctx)
	if err != nil {
		return "", fmt.Errorf("list conflicts: %w", err)
	}
	var target *store.SyncConflict
	for i := range conflicts {
		if conflicts[i].ID == conflictID {
			target = &conflicts[i]
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("conflict %s not found", conflictID)
	}

	fmt.Printf("Conflict %s on %s %s\n\n", target.ID, target.Entity, target.LocalID)
	fmt.Println("Local version:")
	printSnapshot(target.LocalSnapshot)
	fmt.Println("\nRemote version:")
	printSnapshot(target.RemoteSnapshot)
	fmt.Println()
	fmt.Println("  [1] keep remote")
	fmt.Println("  [2] keep local (current state)")
	fmt.Println("  [3] merge")
	fmt.Println("  [4] decide later")

	rl, err := readline.New("choice> ")
	if err != nil {
		return "", fmt.Errorf("init prompt: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return syncer.Manual, nil
			}
			return "", err
		}
		switch strings.TrimSpace(line) {
		case "1":
			return syncer.KeepRemote, nil
		case "2":
			return syncer.KeepLocal, nil
		case "3":
			return syncer.Merge, nil
		case "4", "q", "":
			return syncer.Manual, nil
		default:
			fmt.Println("Enter 1, 2, 3, or 4.")
		}
	}
}

func printSnapshot(raw json.RawMessage) {
	var pretty map[string]interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Printf("  %s\n", string(raw))
		return
	}
	for _, key := range []string{"Content", "MemoryType", "Topics", "Importance", "SessionType"} {
		if v, ok := pretty[key]; ok && v != nil {
			fmt.Printf("  %s: %v\n", key, v)
		}
	}
}

func newTasksCommand() *cobra.Command {
	tasksRoot := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and cancel background tasks",
	}

	var state, taskType string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending tasks",
		Example: strings.Join([]string{
			"  localagent tasks list",
			"  localagent tasks list --state failed",
			"  localagent tasks list --type generate_embedding",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				var tasks []store.PendingTask
				var err error
				switch {
				case taskType != "":
					tasks, err = a.queue.ListByType(ctx, store.TaskType(taskType), limit)
				case state != "":
					tasks, err = a.queue.ListByState(ctx, store.TaskState(state), limit)
				default:
					tasks, err = a.queue.ListByState(ctx, store.TaskQueued, limit)
				}
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Println("No matching tasks.")
					return nil
				}
				for _, t := range tasks {
					fmt.Println(queue.Describe(t))
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "Filter by state (queued, running, completed, failed, cancelled)")
	list.Flags().StringVar(&taskType, "type", "", "Filter by task type")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	tasksRoot.AddCommand(list)

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "cancel <task_id>",
		Short:   "Cancel a queued or running task",
		Args:    cobra.ExactArgs(1),
		Example: "  localagent tasks cancel 01HXZ3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.queue.Cancel(ctx, args[0]); err != nil {
					return fmt.Errorf("cancel task: %w", err)
				}
				fmt.Printf("Cancelled %s\n", args[0])
				return nil
			})
		},
	})

	return tasksRoot
}

func newMemoryCommand() *cobra.Command {
	memoryRoot := &cobra.Command{
		Use:   "memory",
		Short: "Manage local memories",
	}

	var content, memoryType string
	var topics []string
	var importance float64
	add := &cobra.Command{
		Use:     "add",
		Short:   "Store a new memory and queue its embedding",
		Example: "  localagent memory add --content \"prefers dark roast\" --topic coffee --importance 0.7",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("--content is required")
			}
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.store.PutMemory(ctx, store.Memory{
					Content:    content,
					MemoryType: memoryType,
					Topics:     topics,
					Importance: importance,
				})
				if err != nil {
					return fmt.Errorf("store memory: %w", err)
				}
				if _, err := a.queue.Enqueue(ctx, store.TaskGenerateEmbedding, 5, map[string]string{"memory_id": m.ID}); err != nil {
					return fmt.Errorf("queue embedding: %w", err)
				}
				fmt.Printf("Stored %s\n", m.ID)
				return nil
			})
		},
	}
	add.Flags().StringVarP(&content, "content", "c", "", "Memory content")
	add.Flags().StringVar(&memoryType, "type", "fact", "Memory type")
	add.Flags().StringArrayVarP(&topics, "topic", "t", nil, "Topic tag (repeatable)")
	add.Flags().Float64Var(&importance, "importance", 0.5, "Importance 0..1")
	memoryRoot.AddCommand(add)

	var topic string
	var limit int
	list := &cobra.Command{
		Use:     "list",
		Short:   "List memories, newest first",
		Example: "  localagent memory list --topic coffee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				var memories []store.Memory
				var err error
				if topic != "" {
					memories, err = a.store.ListMemoriesByTopic(ctx, topic, limit)
				} else {
					memories, err = a.store.ListMemories(ctx, limit)
				}
				if err != nil {
					return err
				}
				if len(memories) == 0 {
					fmt.Println("No memories.")
					return nil
				}
				for _, m := range memories {
					sync := "synced"
					if m.PendingSync {
						sync = "pending sync"
					}
					fmt.Printf("%s  [%s] %.1f  %s\n", m.ID, m.MemoryType, m.Importance, sync)
					fmt.Printf("    %s\n", truncate(m.Content, 120))
					if len(m.Topics) > 0 {
						fmt.Printf("    topics: %s\n", strings.Join(m.Topics, ", "))
					}
				}
				return nil
			})
		},
	}
	list.Flags().StringVarP(&topic, "topic", "t", "", "Filter by topic")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	memoryRoot.AddCommand(list)

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "delete <memory_id>",
		Aliases: []string{"rm"},
		Short:   "Delete a memory (the deletion syncs to the cloud)",
		Args:    cobra.ExactArgs(1),
		Example: "  localagent memory delete 6f9a...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.store.DeleteMemory(ctx, args[0]); err != nil {
					return fmt.Errorf("delete memory: %w", err)
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	})

	return memoryRoot
}

func newTelemetryCommand() *cobra.Command {
	telemetryRoot := &cobra.Command{
		Use:   "telemetry",
		Short: "Control anonymized health reporting",
		Long:  "Telemetry is opt-in. Reports carry component health and counters only, never record content.",
	}

	telemetryRoot.AddCommand(&cobra.Command{
		Use:     "on",
		Short:   "Grant telemetry consent",
		Example: "  localagent telemetry on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.consent.Grant(); err != nil {
					return err
				}
				a.cfg.SetTelemetryEnabled(true)
				if err := config.SaveConfig(getConfigPath(), a.cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Println("Telemetry enabled.")
				return nil
			})
		},
	})

	telemetryRoot.AddCommand(&cobra.Command{
		Use:     "off",
		Short:   "Revoke telemetry consent",
		Example: "  localagent telemetry off",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.consent.Revoke(); err != nil {
					return err
				}
				a.cfg.SetTelemetryEnabled(false)
				if err := config.SaveConfig(getConfigPath(), a.cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Println("Telemetry disabled.")
				return nil
			})
		},
	})

	telemetryRoot.AddCommand(&cobra.Command{
		Use:     "status",
		Short:   "Show consent state and component health",
		Example: "  localagent telemetry status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.consent.Granted() {
					fmt.Printf("Consent: granted at %s\n", a.consent.GrantedAt().Format("2006-01-02 15:04:05"))
				} else {
					fmt.Println("Consent: not granted")
				}
				for _, h := range a.prober.Probe(ctx) {
					line := fmt.Sprintf("%-8s %s", h.Component, h.State)
					if h.Detail != "" {
						line += " (" + h.Detail + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	})

	return telemetryRoot
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and local store readiness",
		Example: "  localagent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			configPath := getConfigPath()
			fmt.Printf("%s %s\n\n", appName, formatVersion())

			mark := func(ok bool) string {
				if ok {
					return "yes"
				}
				return "no"
			}
			_, cfgErr := os.Stat(configPath)
			fmt.Printf("Config:     %s (%s)\n", configPath, mark(cfgErr == nil))
			_, wsErr := os.Stat(cfg.WorkspacePath())
			fmt.Printf("Workspace:  %s (%s)\n", cfg.WorkspacePath(), mark(wsErr == nil))
			_, dbErr := os.Stat(cfg.DBPath())
			fmt.Printf("Store:      %s (%s)\n", cfg.DBPath(), mark(dbErr == nil))
			fmt.Printf("API key:    %s\n", mark(strings.TrimSpace(cfg.APIKey()) != ""))
			fmt.Printf("Device:     %s\n", orUnregistered(cfg.DeviceID()))
			fmt.Printf("Telemetry:  %s\n", mark(cfg.TelemetryEnabled()))
			fmt.Printf("Offline:    %s\n", mark(cfg.OfflineMode()))
			fmt.Printf("Paused:     %s\n", mark(cfg.Paused()))

			if dbErr != nil {
				return nil
			}
			return withApp(func(ctx context.Context, a *app) error {
				pending, err := a.store.CountUnsynced(ctx)
				if err != nil {
					return err
				}
				queued, err := a.store.TasksByState(ctx, store.TaskQueued, 1000)
				if err != nil {
					return err
				}
				fmt.Println()
				fmt.Printf("Pending sync entries: %d memories, %d sessions\n",
					pending[store.EntityMemory], pending[store.EntitySession])
				fmt.Printf("Queued tasks:         %d\n", len(queued))
				return nil
			})
		},
	}
}

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Short:   "List models offered by the cloud catalog",
		Example: "  localagent models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				models, err := a.engine.Models(ctx)
				if err != nil {
					return fmt.Errorf("list models: %w", err)
				}
				if len(models) == 0 {
					fmt.Println("No models offered.")
					return nil
				}
				for _, m := range models {
					fmt.Printf("%-24s %-14s %6d MB\n", m.Name, m.Kind, m.SizeMB)
					fmt.Printf("    %s\n", a.client.ModelDownloadPath(m.Name))
				}
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  localagent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

// withApp builds the component graph for one command invocation and
// tears it down afterwards. The context cancels on Ctrl+C so long
// operations like sync stop at the next batch boundary.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, a)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
