// Command collab is a terminal client for live document editing: it opens a
// document session against the relay and presence broker and drives it with
// line commands. Mostly useful for poking at a running relay and for watching
// two terminals converge.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"inkwell/collab/internal/config"
	"inkwell/collab/internal/identity"
	"inkwell/collab/internal/localstore"
	"inkwell/collab/internal/presence"
	"inkwell/collab/internal/session"
	"inkwell/collab/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <document-id>\n", os.Args[0])
		os.Exit(2)
	}
	documentID := os.Args[1]
	cfg := config.Load()

	store, err := localstore.Open(filepath.Join(cfg.DataDir, "snapshots.db"))
	if err != nil {
		log.Fatalf("open snapshot store: %v", err)
	}
	defer store.Close()

	trSettings := transport.DefaultSettings()
	trSettings.PingInterval = cfg.PingInterval
	prSettings := presence.DefaultSettings()
	prSettings.HeartbeatInterval = cfg.HeartbeatInterval

	manager := session.NewManager(store, session.Options{
		RelayURL:      cfg.RelayURL,
		RedisURL:      cfg.RedisURL,
		Collaboration: true,
		PeerTTL:       cfg.PeerTTL,
		Transport:     trSettings,
		Presence:      prSettings,
	})
	defer manager.Close()

	ident := identity.Normalize(identity.Identity{ID: cfg.UserID, Name: cfg.UserName})
	s := manager.Open(context.Background(), documentID, ident)
	defer s.Close()

	fmt.Printf("editing %s as %s (%s)\n", documentID, ident.Name, ident.ID)
	fmt.Println("commands: insert <idx> <text> | delete <idx> <count> | cursor <pos> | show | status | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "insert":
			if len(fields) < 3 {
				fmt.Println("usage: insert <idx> <text>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil || idx < 0 {
				fmt.Println("bad index")
				continue
			}
			s.Insert(idx, strings.Join(fields[2:], " "))
		case "delete":
			if len(fields) != 3 {
				fmt.Println("usage: delete <idx> <count>")
				continue
			}
			idx, err1 := strconv.Atoi(fields[1])
			count, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil || idx < 0 || count <= 0 {
				fmt.Println("bad range")
				continue
			}
			s.Delete(idx, count)
		case "cursor":
			if len(fields) != 2 {
				fmt.Println("usage: cursor <pos>")
				continue
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil || pos < 0 {
				fmt.Println("bad position")
				continue
			}
			s.SetCursor(pos)
		case "show":
			fmt.Printf("%q\n", s.Text())
		case "status":
			printStatus(s.Status())
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func printStatus(st session.Status) {
	fmt.Printf("connected=%v synced=%v presence=%v collaborators=%d\n",
		st.Connected, st.Synced, st.PresenceConnected, len(st.Collaborators))
	for _, c := range st.Collaborators {
		line := fmt.Sprintf("  %s (%s)", c.Name, c.ID)
		if c.Cursor != nil {
			line += fmt.Sprintf(" cursor=%d", c.Cursor.Position)
		}
		if c.Selection != nil {
			line += fmt.Sprintf(" selection=%d..%d", c.Selection.From, c.Selection.To)
		}
		if c.Typing {
			line += " typing"
		}
		fmt.Println(line)
	}
}
