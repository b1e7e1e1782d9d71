/*
File Name:  main.go

meshctl is a developer debug shell: it starts a mesh.Network over the
in-memory transport, prints peer/route/queue stats on demand, and lets a
developer connect to other local meshctl instances and send test
messages. Grounded in the teacher's debug-oriented Commands.go (a
line-oriented console driving the core) but built around spf13/cobra for
flag/argument parsing rather than the teacher's raw argv switch, since
this is a standalone binary rather than a library entry point.
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sovereign-comms/mesh-core/crypto"
	"github.com/sovereign-comms/mesh-core/health"
	"github.com/sovereign-comms/mesh-core/mesh"
	"github.com/sovereign-comms/mesh-core/persistence"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/transport/inmemory"
	"github.com/sovereign-comms/mesh-core/wire"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Interactive debug shell for a sovereign-mesh node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to the embedded config)")
	root.AddCommand(shellCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start a node over the in-memory transport and drop into an interactive shell",
		RunE:  runShell,
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, _, err := mesh.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	id, err := crypto.GenerateIdentity()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}

	filters := mesh.Filters{
		LogError: func(function, format string, v ...interface{}) {
			fmt.Printf("[%s] %s\n", function, fmt.Sprintf(format, v...))
		},
		NewPeer: func(peer *routing.Peer) {
			fmt.Printf("+ peer %s joined the routing table\n", peer.PeerID)
		},
		PeerStateChange: func(event health.StateChangeEvent) {
			fmt.Printf("~ peer %s: %s -> %s\n", event.PeerID, event.Old, event.New)
		},
		MessageIn: func(senderID string, msgType wire.MessageType, payload []byte) {
			fmt.Printf("< %s: %s\n", senderID, string(payload))
		},
	}

	n := mesh.New(id, cfg, filters, persistence.NewMemoryAdapter())
	n.RegisterTransport(inmemory.New(n.LocalPeerID()))

	if err := n.Start(); err != nil {
		return fmt.Errorf("starting network: %w", err)
	}
	defer n.Stop()

	fmt.Println("local peer id:", n.LocalPeerID())
	fmt.Println("type 'help' for a list of commands")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		dispatch(n, strings.TrimSpace(scanner.Text()))
	}
	return nil
}

func dispatch(n *mesh.Network, line string) {
	if line == "" {
		return
	}
	fields := strings.Fields(line)
	cmdName, rest := fields[0], fields[1:]

	switch cmdName {
	case "help":
		printHelp()
	case "id":
		fmt.Println(n.LocalPeerID())
	case "connect":
		cmdConnect(n, rest)
	case "send":
		cmdSend(n, rest)
	case "broadcast":
		cmdBroadcast(n, rest)
	case "stats":
		cmdStats(n)
	case "quit", "exit":
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q, type 'help'\n", cmdName)
	}
}

func printHelp() {
	fmt.Println(`commands:
  id                       print this node's peer id
  connect <peer-id>        connect to another local meshctl instance by its peer id
  send <peer-id> <text>    send an encrypted message to a connected peer
  broadcast <text>         broadcast a message to every connected peer
  stats                    print peer/route/queue/bandwidth counters
  quit                     exit the shell`)
}

func cmdConnect(n *mesh.Network, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: connect <peer-id>")
		return
	}
	if err := n.ConnectToPeer(context.Background(), args[0], nil); err != nil {
		fmt.Println("connect failed:", err)
		return
	}
	fmt.Println("connecting to", args[0])
}

func cmdSend(n *mesh.Network, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: send <peer-id> <text>")
		return
	}
	peerID, text := args[0], strings.Join(args[1:], " ")
	if err := n.Send(peerID, []byte(text), mesh.SendOptions{}); err != nil {
		fmt.Println("send failed:", err)
	}
}

func cmdBroadcast(n *mesh.Network, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: broadcast <text>")
		return
	}
	text := strings.Join(args, " ")
	if err := n.Broadcast([]byte(text), mesh.BroadcastOptions{}); err != nil {
		fmt.Println("broadcast failed:", err)
	}
}

func cmdStats(n *mesh.Network) {
	s := n.GetStats()
	fmt.Printf("peers=%d routes=%d queue=%d reassembly=%d dht_nodes=%d\n",
		s.PeerCount, s.RouteCount, s.QueueLen, s.ReassemblyPending, s.DHTNodes)
	fmt.Printf("sent=%d received=%d dropped=%d bandwidth: %d msg/s, %d lost, %d total\n",
		s.MessagesSent, s.MessagesReceived, s.MessagesDropped,
		s.Bandwidth.MessagesPerSecond, s.Bandwidth.PacketLoss, s.Bandwidth.Sent)
}
