// Salon is a chat-room service where synthetic personas converse with a
// human participant. The serve command runs the headless service (idle
// scheduler plus WebSocket observer); the chat command attaches an
// interactive console session to a room.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/bus"
	"github.com/normanking/salon/internal/chat"
	"github.com/normanking/salon/internal/config"
	"github.com/normanking/salon/internal/data"
	"github.com/normanking/salon/internal/learning"
	"github.com/normanking/salon/internal/llm"
	"github.com/normanking/salon/internal/logging"
	"github.com/normanking/salon/internal/memstore"
	"github.com/normanking/salon/internal/orchestrator"
	"github.com/normanking/salon/internal/response"
	"github.com/normanking/salon/internal/scheduler"
)

const version = "0.1.0"

var (
	cfgPath string
	verbose bool

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "salon",
	Short: "Multi-persona chat rooms",
	Long: `Salon hosts chat rooms where configurable personas talk with you and
with each other. Personas pace their replies to the conversation, remember
what was said, and slowly adapt their personalities to the room.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgPath != "" {
			cfg, err = config.LoadFromPath(cfgPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logCloser, err = logging.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("configure logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path (default ~/.salon/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("salon %s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(roomCmd())
	rootCmd.AddCommand(personaCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime bundles the wired service collaborators for the long-running
// commands.
type runtime struct {
	store    *data.Store
	bus      *bus.Bus
	observer *bus.Observer
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
}

func buildRuntime() (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := data.NewDB(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}

	providerName, pc := cfg.ProviderFor("")
	client := llm.NewClient(llm.Config{
		Name:     providerName,
		Endpoint: pc.Endpoint,
		APIKey:   pc.APIKey,
		Model:    pc.Model,
		Timeout:  pc.Timeout,
	})
	completion := llm.NewRetrying(client, pc.MaxRetries, time.Second)

	b := bus.New()
	generator := response.NewGenerator(response.WithCompletionService(completion))
	memories := memstore.New(memstore.Config{
		ShortCap:        cfg.Memory.ShortCap,
		MediumCap:       cfg.Memory.MediumCap,
		LongCap:         cfg.Memory.LongCap,
		ShortRetention:  cfg.Memory.ShortRetention,
		MediumRetention: cfg.Memory.MediumRetention,
	})
	orch := orchestrator.New(store, b, generator, analyzer.New(), memories, learning.NewAdapter(), cfg.Orchestrator)

	rt := &runtime{
		store: store,
		bus:   b,
		orch:  orch,
		sched: scheduler.New(store, orch, cfg.Scheduler.TickInterval),
	}
	if cfg.Observer.Enabled {
		obsCfg := bus.DefaultObserverConfig()
		obsCfg.Port = cfg.Observer.Port
		rt.observer = bus.NewObserver(b, obsCfg)
	}
	return rt, nil
}

// run starts the background parts of the runtime and blocks until the
// context is cancelled, then tears everything down in reverse order.
func (rt *runtime) run(ctx context.Context) error {
	if rt.observer != nil {
		if err := rt.observer.Start(); err != nil {
			return fmt.Errorf("start observer: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return rt.sched.Run(gctx) })
	} else {
		g.Go(func() error { <-gctx.Done(); return gctx.Err() })
	}

	err := g.Wait()

	rt.orch.Shutdown()
	if rt.observer != nil {
		rt.observer.Stop()
	}
	rt.bus.Close()
	if cerr := rt.store.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("closing data store")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the salon service",
		Long:  "Runs the idle-room scheduler and the WebSocket event observer until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", version).Msg("salon service starting")
			if rt.observer != nil {
				fmt.Printf("Observer listening on ws://localhost:%d/events\n", cfg.Observer.Port)
			}
			return rt.run(ctx)
		},
	}
}

func chatCmd() *cobra.Command {
	var roomName, userName string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room from the terminal",
		Long: `Attaches an interactive session to a room. Everything you type is sent
as a user message; persona replies and typing indicators print as they
happen. Use @Name to address one persona, /poke Name to ask a persona to
speak up, and /quit to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The console owns the terminal; keep log noise out of it.
			if !verbose {
				zerolog.SetGlobalLevel(zerolog.ErrorLevel)
			}

			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			room, err := findRoomByName(ctx, rt.store, roomName)
			if err != nil {
				return err
			}
			roster, err := rt.store.RoomPersonas(ctx, room.ID)
			if err != nil {
				return err
			}
			if len(roster) == 0 {
				return fmt.Errorf("room %q has no personas; add some with 'salon room add'", room.Name)
			}

			names := make([]string, len(roster))
			for i, p := range roster {
				names[i] = p.Name
			}
			fmt.Printf("Joined %s with %s. Type /quit to leave.\n", room.Name, strings.Join(names, ", "))

			sub := rt.bus.Subscribe("", func(e bus.Event) {
				if e.RoomID != room.ID {
					return
				}
				switch e.Type {
				case bus.EventMessage:
					if e.SenderKind == string(chat.SenderPersona) {
						fmt.Printf("%s: %s\n", e.Sender, e.Content)
					}
				case bus.EventTypingStart:
					fmt.Printf("… %s is typing\n", e.Sender)
				}
			})
			defer rt.bus.Unsubscribe(sub)

			done := make(chan error, 1)
			go func() { done <- rt.run(ctx) }()

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-ctx.Done():
					return <-done
				case line, ok := <-lines:
					if !ok || strings.TrimSpace(line) == "/quit" {
						stop()
						return <-done
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					if name, ok := strings.CutPrefix(strings.TrimSpace(line), "/poke "); ok {
						if err := poke(ctx, rt, room.ID, roster, name); err != nil {
							fmt.Printf("! %v\n", err)
						}
						continue
					}
					if _, err := rt.orch.OnUserMessage(ctx, room.ID, userName, line); err != nil {
						fmt.Printf("! %v\n", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&roomName, "room", "r", "", "room name to join (required)")
	cmd.Flags().StringVarP(&userName, "name", "n", "you", "your display name")
	cmd.MarkFlagRequired("room")
	return cmd
}

// poke asks one persona to speak without a triggering user message.
func poke(ctx context.Context, rt *runtime, roomID string, roster []chat.Persona, name string) error {
	for _, p := range roster {
		if strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return rt.orch.OnAutoChatRequest(ctx, roomID, p.ID)
		}
	}
	return fmt.Errorf("no persona named %q in this room", strings.TrimSpace(name))
}

func roomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage rooms",
	}

	var topic string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				room := &chat.Room{Name: args[0], Topic: topic}
				if err := store.CreateRoom(ctx, room); err != nil {
					return err
				}
				fmt.Printf("Created room %s (%s)\n", room.Name, room.ID)
				return nil
			})
		},
	}
	create.Flags().StringVarP(&topic, "topic", "t", "", "initial room topic")

	list := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				rooms, err := store.ListRooms(ctx)
				if err != nil {
					return err
				}
				if len(rooms) == 0 {
					fmt.Println("No rooms yet. Create one with 'salon room create'.")
					return nil
				}
				for _, r := range rooms {
					roster, err := store.RoomPersonas(ctx, r.ID)
					if err != nil {
						return err
					}
					n, err := store.MessageCount(ctx, r.ID)
					if err != nil {
						return err
					}
					fmt.Printf("%-20s %2d personas %5d messages", r.Name, len(roster), n)
					if r.Topic != "" {
						fmt.Printf("  topic: %s", r.Topic)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}

	setTopic := &cobra.Command{
		Use:   "topic <room> <topic>",
		Short: "Set a room's topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				room, err := findRoomByName(ctx, store, args[0])
				if err != nil {
					return err
				}
				return store.UpdateRoomTopic(ctx, room.ID, args[1])
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a room and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				room, err := findRoomByName(ctx, store, args[0])
				if err != nil {
					return err
				}
				if err := store.DeleteRoom(ctx, room.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted room %s\n", room.Name)
				return nil
			})
		},
	}

	add := &cobra.Command{
		Use:   "add <room> <persona>",
		Short: "Add a persona to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				room, err := findRoomByName(ctx, store, args[0])
				if err != nil {
					return err
				}
				persona, err := findPersonaByName(ctx, store, args[1])
				if err != nil {
					return err
				}
				if err := store.AddPersonaToRoom(ctx, room.ID, persona.ID); err != nil {
					return err
				}
				fmt.Printf("%s joined %s\n", persona.Name, room.Name)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <room> <persona>",
		Short: "Remove a persona from a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				room, err := findRoomByName(ctx, store, args[0])
				if err != nil {
					return err
				}
				persona, err := findPersonaByName(ctx, store, args[1])
				if err != nil {
					return err
				}
				return store.RemovePersonaFromRoom(ctx, room.ID, persona.ID)
			})
		},
	}

	cmd.AddCommand(create, list, setTopic, del, add, remove)
	return cmd
}

func personaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Manage personas",
	}

	var (
		avatar, instructions, language, provider                              string
		extraversion, agreeableness, conscientiousness, neuroticism, openness int
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a persona",
		Long:  "Creates a persona with the given Big Five traits, each on a 1-5 scale.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				p := &chat.Persona{
					Name:   args[0],
					Avatar: avatar,
					Traits: chat.Traits{
						Extraversion:      extraversion,
						Agreeableness:     agreeableness,
						Conscientiousness: conscientiousness,
						Neuroticism:       neuroticism,
						Openness:          openness,
					},
					CustomInstructions: instructions,
					Language:           language,
					Provider:           provider,
				}
				if err := store.CreatePersona(ctx, p); err != nil {
					return err
				}
				fmt.Printf("Created persona %s (%s)\n", p.Name, p.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&avatar, "avatar", "", "avatar emoji or URL")
	create.Flags().StringVar(&instructions, "instructions", "", "custom behavior instructions")
	create.Flags().StringVar(&language, "language", "en", "reply language (ISO 639-1)")
	create.Flags().StringVar(&provider, "provider", "", "preferred completion provider")
	create.Flags().IntVar(&extraversion, "extraversion", 3, "extraversion 1-5")
	create.Flags().IntVar(&agreeableness, "agreeableness", 3, "agreeableness 1-5")
	create.Flags().IntVar(&conscientiousness, "conscientiousness", 3, "conscientiousness 1-5")
	create.Flags().IntVar(&neuroticism, "neuroticism", 3, "neuroticism 1-5")
	create.Flags().IntVar(&openness, "openness", 3, "openness 1-5")

	list := &cobra.Command{
		Use:   "list",
		Short: "List personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				personas, err := store.ListPersonas(ctx)
				if err != nil {
					return err
				}
				if len(personas) == 0 {
					fmt.Println("No personas yet. Create one with 'salon persona create'.")
					return nil
				}
				for _, p := range personas {
					t := p.Traits
					fmt.Printf("%-16s E%d A%d C%d N%d O%d  lang=%s", p.Name,
						t.Extraversion, t.Agreeableness, t.Conscientiousness, t.Neuroticism, t.Openness,
						p.Language)
					if p.Provider != "" {
						fmt.Printf("  provider=%s", p.Provider)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a persona",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *data.Store) error {
				persona, err := findPersonaByName(ctx, store, args[0])
				if err != nil {
					return err
				}
				if err := store.DeletePersona(ctx, persona.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted persona %s\n", persona.Name)
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Println("~/.salon/config.yaml")
				return
			}
			fmt.Println(home + "/.salon/config.yaml")
		},
	})

	return cmd
}

// withStore runs a short-lived management action against the data store.
func withStore(fn func(context.Context, *data.Store) error) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	store, err := data.NewDB(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("open data store: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func findRoomByName(ctx context.Context, store *data.Store, name string) (chat.Room, error) {
	rooms, err := store.ListRooms(ctx)
	if err != nil {
		return chat.Room{}, err
	}
	for _, r := range rooms {
		if strings.EqualFold(r.Name, name) {
			return r, nil
		}
	}
	return chat.Room{}, fmt.Errorf("room %q not found", name)
}

func findPersonaByName(ctx context.Context, store *data.Store, name string) (chat.Persona, error) {
	personas, err := store.ListPersonas(ctx)
	if err != nil {
		return chat.Persona{}, err
	}
	for _, p := range personas {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return chat.Persona{}, fmt.Errorf("persona %q not found", name)
}
