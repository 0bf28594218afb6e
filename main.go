// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/telehealth/internal/app"
	"github.com/petervdpas/telehealth/internal/config"
	"github.com/petervdpas/telehealth/internal/storage"
	"github.com/petervdpas/telehealth/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "telehealth.json"

var rootCmd = &cobra.Command{
	Use:     "telehealth",
	Short:   "Doctor and patient video calls over WebRTC",
	Version: appVersion,
}

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(peerCmd(), relayCmd(), initCmd(), seedCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func peerDir(arg string) (string, error) {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		return "", fmt.Errorf("peer directory does not exist: %s", absDir)
	}
	return absDir, nil
}

func peerCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run a doctor or patient peer",
		Long: `Run a peer from the specified directory. The directory must contain a
telehealth.json (or telehealth.yaml) configuration file; run "telehealth init"
to create one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, err := peerDir(args[0])
			if err != nil {
				return err
			}
			cfgPath := findConfig(absDir)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			printPeerBanner(absDir, cfgPath, cfg)

			ctx, cancel := signalContext()
			defer cancel()

			if open && cfg.Viewer.HTTPAddr != "" {
				addr, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
				go func() {
					if err := app.WaitTCP(addr, 10*time.Second); err != nil {
						log.Printf("viewer not reachable: %v", err)
						return
					}
					if err := util.OpenURL(url + "/api/call/state"); err != nil {
						log.Printf("open browser: %v", err)
					}
				}()
			}

			return app.Run(ctx, app.Options{
				PeerDir: absDir,
				CfgPath: cfgPath,
				Cfg:     cfg,
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "open the local API in a browser")
	return cmd
}

func relayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket signaling relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return app.RunRelay(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8790", "listen address")
	return cmd
}

func initCmd() *cobra.Command {
	var yamlCfg bool
	cmd := &cobra.Command{
		Use:   "init <directory>",
		Short: "Create or update a peer configuration interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			cfgPath := findConfig(absDir)
			if yamlCfg {
				cfgPath = filepath.Join(absDir, "telehealth.yaml")
			}
			cfg, err := config.LoadPartial(cfgPath)
			if errors.Is(err, os.ErrNotExist) {
				cfg = config.Default()
			} else if err != nil {
				return err
			}
			cfg = app.PromptInteractive(absDir, cfgPath, cfg)
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("Saved %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yamlCfg, "yaml", false, "write telehealth.yaml instead of telehealth.json")
	return cmd
}

func seedCmd() *cobra.Command {
	var a storage.Appointment
	cmd := &cobra.Command{
		Use:   "seed <directory>",
		Short: "Add or replace an appointment in a peer's database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, err := peerDir(args[0])
			if err != nil {
				return err
			}
			if a.ID <= 0 || a.PatientID == "" || a.DoctorID == "" {
				return errors.New("--id, --patient and --doctor are required")
			}
			dbPath, err := seedDBPath(absDir)
			if err != nil {
				return err
			}
			return app.Seed(cmd.Context(), dbPath, a)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&a.ID, "id", 0, "appointment id")
	f.StringVar(&a.PatientID, "patient", "", "patient user id")
	f.StringVar(&a.DoctorID, "doctor", "", "doctor user id")
	f.StringVar(&a.PatientName, "patient-name", "", "patient display name")
	f.StringVar(&a.DoctorName, "doctor-name", "", "doctor display name")
	f.StringVar(&a.Specialty, "specialty", "", "doctor specialty")
	f.StringVar(&a.Date, "date", time.Now().Format("2006-01-02 15:04"), "appointment date")
	f.StringVar(&a.Reason, "reason", "", "reason for the visit")
	return cmd
}

// seedDBPath resolves the peer's database. A missing config means the
// default path; an unreadable one is an error.
func seedDBPath(dir string) (string, error) {
	cfgPath := findConfig(dir)
	cfg, err := config.LoadPartial(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return util.ResolvePath(dir, cfg.Storage.DBPath), nil
}

// findConfig prefers an existing YAML file and falls back to telehealth.json.
func findConfig(dir string) string {
	for _, name := range []string{"telehealth.yaml", "telehealth.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, cfgName)
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Telehealth Peer                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Signed in as:   %s (%s)\n", cfg.Identity.UserID, cfg.Identity.Role)
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.Backend)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Local API:      %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
