// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/telehealth/internal/config"
	"github.com/petervdpas/telehealth/internal/proto"
)

// PromptInteractive asks for the settings a new peer needs and returns the
// updated config. Invalid answers fall back to cfg unchanged.
func PromptInteractive(peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(os.Stdin)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("Telehealth interactive setup")
	fmt.Printf(" Peer folder : %s\n", peerDir)
	fmt.Printf(" Config file : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	next := cfg
	next.Identity.UserID = askString(in, "User id", next.Identity.UserID)
	if askBool(in, "Sign in as doctor", next.Identity.Role == proto.RoleDoctor) {
		next.Identity.Role = proto.RoleDoctor
		next.Identity.Specialty = askString(in, "Specialty", next.Identity.Specialty)
	} else {
		next.Identity.Role = proto.RolePatient
		next.Identity.Specialty = ""
	}
	next.Identity.DisplayName = askString(in, "Display name", next.Identity.DisplayName)

	next.Signaling.Backend = askChoice(in, "Signaling backend", next.Signaling.Backend,
		config.BackendLocal, config.BackendRelay, config.BackendNATS, config.BackendP2P)
	switch next.Signaling.Backend {
	case config.BackendRelay:
		next.Signaling.RelayURL = askString(in, "Relay URL", next.Signaling.RelayURL)
	case config.BackendNATS:
		next.Signaling.NATS.URL = askString(in, "NATS URL", next.Signaling.NATS.URL)
	case config.BackendP2P:
		next.Signaling.P2P.ListenPort = askInt(in, "Listen port (0=random)", next.Signaling.P2P.ListenPort)
		next.Signaling.P2P.MdnsTag = askString(in, "mDNS tag", next.Signaling.P2P.MdnsTag)
	}
	next.Signaling.Scope = askString(in, "Scope", next.Signaling.Scope)
	next.Viewer.HTTPAddr = askString(in, "Viewer HTTP addr (empty=off)", next.Viewer.HTTPAddr)

	if err := next.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping previous settings.\n", err)
		return cfg
	}
	return next
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Println("Please enter y or n.")
		}
	}
}

func askChoice(in *bufio.Reader, label, def string, choices ...string) string {
	for {
		s := askString(in, fmt.Sprintf("%s (%s)", label, strings.Join(choices, "|")), def)
		for _, c := range choices {
			if s == c {
				return s
			}
		}
		fmt.Printf("Please enter one of %s.\n", strings.Join(choices, ", "))
	}
}
