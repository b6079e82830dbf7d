package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goswarm/internal/archive"
	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/dashboard"
	"github.com/nextlevelbuilder/goswarm/internal/sidechannel"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goswarm doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Data directory
	fmt.Println()
	root := config.ExpandHome(cfg.DataDir)
	fmt.Printf("  Data dir: %s", root)
	paths, err := config.NewPaths(cfg.DataDir)
	if err != nil {
		fmt.Printf(" (UNUSABLE: %s)\n", err)
		return
	}
	fmt.Println(" (OK)")
	for _, catalog := range []struct{ label, path string }{
		{"Agents", paths.Agents()},
		{"Skills", paths.Skills()},
		{"Rules", paths.Rules()},
		{"Messages", paths.Messages()},
	} {
		checkCatalogFile(catalog.label, catalog.path)
	}

	// Archive
	if cfg.Archive.Enabled {
		if store, archErr := archive.Open(paths.ArchiveDB()); archErr != nil {
			fmt.Printf("    %-10s OPEN FAILED (%s)\n", "Archive:", archErr)
		} else {
			store.Close()
			fmt.Printf("    %-10s %s (OK)\n", "Archive:", paths.ArchiveDB())
		}
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("OpenRouter", cfg.Providers.OpenRouter.APIKey)

	// Side channel
	fmt.Println()
	fmt.Printf("  Side channel: ")
	if cfg.SideChan.Addr == "" {
		fmt.Println("(not configured)")
	} else {
		side := sidechannel.New(cfg.SideChan.Addr, cfg.SideChan.Password, cfg.SideChan.DB)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if pingErr := side.Ping(ctx); pingErr != nil {
			fmt.Printf("%s (UNREACHABLE: %s)\n", cfg.SideChan.Addr, pingErr)
		} else {
			fmt.Printf("%s (OK)\n", cfg.SideChan.Addr)
		}
		cancel()
		side.Close()
	}

	// Dashboard port
	fmt.Println()
	fmt.Printf("  Dashboard: port %d", cfg.Dashboard.Port)
	if ln, lnErr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Dashboard.Port)); lnErr != nil {
		fmt.Println(" (IN USE, will retry next ports)")
	} else {
		ln.Close()
		fmt.Println(" (free)")
	}

	// Peer dashboards
	fmt.Println()
	peers := dashboard.DiscoverPeers(paths.StateDir())
	fmt.Printf("  Peers:    %d live dashboard(s)\n", len(peers))
	for _, peer := range peers {
		fmt.Printf("    pid %-8d port %-6d %s\n", peer.PID, peer.Port, peer.Cwd)
	}
	if stale := dashboard.SweepStalePortFiles(paths.StateDir()); stale > 0 {
		fmt.Printf("    swept %d stale port file(s)\n", stale)
	}

	// Agent binaries the CLI provider shells out to
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("claude")
	checkBinary("copilot")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkCatalogFile(label, path string) {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		fmt.Printf("    %-10s (not created yet)\n", label+":")
	case info.Size() == 0:
		fmt.Printf("    %-10s empty\n", label+":")
	default:
		fmt.Printf("    %-10s %d bytes\n", label+":", info.Size())
	}
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := apiKey
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
