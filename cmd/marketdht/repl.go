package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/busybox42/marketdht/pkg/node"
	"github.com/busybox42/marketdht/pkg/types"
)

// client is the part of *node.Handle the command loop drives.
type client interface {
	ID() types.PeerID
	GetConnectedPeers(ctx context.Context) ([]types.PeerID, error)
	GetAllListeners(ctx context.Context) ([]ma.Multiaddr, error)
	IsConnectedTo(ctx context.Context, peer types.PeerID) (bool, error)
	GetClosestLocalPeers(ctx context.Context, target []byte) ([]types.PeerID, error)
	GetClosestPeers(ctx context.Context, target []byte) (node.ClosestPeers, error)
	RegisterFile(ctx context.Context, hash []byte, ip [4]byte, port uint16, price int64, name string) (types.Key, error)
	CheckHolders(ctx context.Context, hash []byte) ([]types.SupplierInfo, error)
}

const prompt = "marketdht> "

type repl struct {
	client  client
	out     io.Writer
	timeout time.Duration
}

func newREPL(c client, out io.Writer) *repl {
	return &repl{client: c, out: out, timeout: 30 * time.Second}
}

// run reads commands from in until quit or EOF.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		if r.exec(ctx, scanner.Text()) {
			return nil
		}
	}
}

// exec runs one command line and reports whether the loop should stop.
func (r *repl) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	switch cmd {
	case "id":
		fmt.Fprintln(r.out, r.client.ID())
	case "peers":
		err = r.peers(ctx)
	case "listeners":
		err = r.listeners(ctx)
	case "connected":
		err = r.connected(ctx, args)
	case "closest":
		err = r.closest(ctx, args, false)
	case "closest-local":
		err = r.closest(ctx, args, true)
	case "register":
		err = r.register(ctx, args)
	case "holders":
		err = r.holders(ctx, args)
	case "help":
		r.help()
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(r.out, "Unknown command: %s. Type 'help' for usage.\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
	}
	return false
}

func (r *repl) peers(ctx context.Context) error {
	peers, err := r.client.GetConnectedPeers(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Connected peers: %d\n", len(peers))
	for _, p := range peers {
		fmt.Fprintf(r.out, "  %s\n", p)
	}
	return nil
}

func (r *repl) listeners(ctx context.Context) error {
	addrs, err := r.client.GetAllListeners(ctx)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Fprintf(r.out, "  %s/p2p/%s\n", a, r.client.ID())
	}
	return nil
}

func (r *repl) connected(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("connected <peer id>")
	}
	id, err := types.ParsePeerID(args[0])
	if err != nil {
		return err
	}
	ok, err := r.client.IsConnectedTo(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s connected: %v\n", id.ShortString(), ok)
	return nil
}

func (r *repl) closest(ctx context.Context, args []string, local bool) error {
	if len(args) != 1 {
		return usage("closest <hex key>")
	}
	target, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	var peers []types.PeerID
	if local {
		peers, err = r.client.GetClosestLocalPeers(ctx, target)
	} else {
		var res node.ClosestPeers
		res, err = r.client.GetClosestPeers(ctx, target)
		peers = res.Peers
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Found %d peers:\n", len(peers))
	for _, p := range peers {
		fmt.Fprintf(r.out, "  %s\n", p)
	}
	return nil
}

func (r *repl) register(ctx context.Context, args []string) error {
	if len(args) != 5 {
		return usage("register <hex hash> <ipv4> <port> <price> <name>")
	}
	hash, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("invalid hash: %w", err)
	}
	ip, err := netip.ParseAddr(args[1])
	if err != nil || !ip.Is4() {
		return fmt.Errorf("invalid ipv4 address %q", args[1])
	}
	port, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	price, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}

	key, err := r.client.RegisterFile(ctx, hash, ip.As4(), uint16(port), price, args[4])
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Registered %s\n", key)
	return nil
}

func (r *repl) holders(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("holders <hex hash>")
	}
	hash, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("invalid hash: %w", err)
	}
	holders, err := r.client.CheckHolders(ctx, hash)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Found %d suppliers:\n", len(holders))
	for _, s := range holders {
		fmt.Fprintf(r.out, "  %s %s:%d price=%d expires=%s\n",
			s.Name, s.IP, s.Port, s.Price, s.Expiry.Format(time.RFC3339))
	}
	return nil
}

func (r *repl) help() {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out, "  id                                      - Show this node's peer id")
	fmt.Fprintln(r.out, "  peers                                   - List connected peers")
	fmt.Fprintln(r.out, "  listeners                               - Show the listen address")
	fmt.Fprintln(r.out, "  connected <peer>                        - Check a connection")
	fmt.Fprintln(r.out, "  closest <hex>                           - Find the closest peers on the network")
	fmt.Fprintln(r.out, "  closest-local <hex>                     - Closest peers in the routing table")
	fmt.Fprintln(r.out, "  register <hex> <ip> <port> <price> <name> - Advertise a file")
	fmt.Fprintln(r.out, "  holders <hex>                           - List suppliers of a file")
	fmt.Fprintln(r.out, "  help                                    - Show this help message")
	fmt.Fprintln(r.out, "  quit                                    - Stop the node and exit")
}

func usage(s string) error { return fmt.Errorf("usage: %s", s) }
