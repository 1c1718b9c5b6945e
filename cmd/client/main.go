// Command client is an interactive terminal member of a room: it joins over
// Connect, keeps a replica of the project tree and edits it.
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
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"room-sync-service/internal/clock"
	"room-sync-service/internal/config"
	"room-sync-service/internal/handler"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
	"room-sync-service/internal/protocol"
	"room-sync-service/internal/replica"
	"room-sync-service/pkg/logger"
)

type options struct {
	addr     string
	roomID   string
	token    string
	name     string
	create   string
	passcode string
	redeem   bool
	verbose  bool

	syncTimeout time.Duration
	debounce    time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	syncCfg, err := config.SyncFromEnv()
	if err != nil {
		return err
	}

	var opts options
	flagSet := pflag.NewFlagSet("client", pflag.ContinueOnError)
	flagSet.StringVar(&opts.addr, "addr", "localhost:50051", "server address")
	flagSet.StringVar(&opts.roomID, "room", "", "room to join")
	flagSet.StringVar(&opts.token, "token", os.Getenv("ROOM_TOKEN"), "identity token (default $ROOM_TOKEN)")
	flagSet.StringVar(&opts.name, "name", "", "display name when joining as a guest")
	flagSet.StringVar(&opts.create, "create", "", "create the room with this title before joining")
	flagSet.StringVar(&opts.passcode, "passcode", "", "room passcode, for --create or --redeem")
	flagSet.BoolVar(&opts.redeem, "redeem", false, "redeem --passcode for write access before joining")
	flagSet.DurationVar(&opts.syncTimeout, "sync-timeout", syncCfg.SyncTimeout, "wait this long for a peer before loading the stored snapshot (default $SYNC_TIMEOUT)")
	flagSet.DurationVar(&opts.debounce, "debounce", syncCfg.BroadcastDebounce, "coalesce local edits for this long before sending (default $BROADCAST_DEBOUNCE)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log protocol activity")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.roomID == "" {
		return errors.New("--room is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if opts.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+opts.token)
	}

	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.addr, err)
	}
	defer conn.Close()
	client := handler.NewClient(conn)

	if opts.create != "" {
		resp, err := client.CreateRoom(ctx, handler.CreateRoomRequest{RoomID: opts.roomID, Title: opts.create, Passcode: opts.passcode})
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		fmt.Printf("created room %s (%s)\n", resp.RoomID, resp.Title)
	}
	if opts.redeem {
		if _, err := client.RedeemPasscode(ctx, handler.RedeemPasscodeRequest{RoomID: opts.roomID, Passcode: opts.passcode}); err != nil {
			return fmt.Errorf("redeem passcode: %w", err)
		}
		fmt.Println("write access granted")
	}

	stream, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Send(protocol.Frame{Type: protocol.TypeJoin, RoomID: opts.roomID, GuestName: opts.name}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	log := logger.NewNop()
	if opts.verbose {
		if ctx, err = logger.New(ctx); err != nil {
			return err
		}
		log = logger.GetLogger(ctx)
	}
	rep := replica.New(stream, clock.Real(), log, replica.Config{
		SyncTimeout: opts.syncTimeout,
		Debounce:    opts.debounce,
		OnChange: func(origin replica.Origin, snap room.Snapshot) {
			if origin == replica.Remote {
				fmt.Printf("\n[tree updated, %d files]\n> ", len(structure.FilePaths(snap.Tree)))
			}
		},
		OnPresence: func(entries []room.PresenceEntry) {
			fmt.Printf("\n[%d connected]\n> ", len(entries))
		},
	})
	defer rep.Close()

	streamErr := make(chan error, 1)
	go func() {
		for {
			f, err := stream.Recv()
			if err != nil {
				streamErr <- err
				return
			}
			if err := rep.Handle(f); err != nil {
				fmt.Fprintln(os.Stderr, "frame:", err)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			rep.Flush()
			return nil
		case err := <-streamErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		case line, ok := <-lines:
			if !ok {
				rep.Flush()
				_ = stream.CloseSend()
				return nil
			}
			quit, err := execute(ctx, client, rep, opts.roomID, strings.Fields(line))
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				rep.Flush()
				_ = stream.CloseSend()
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func execute(ctx context.Context, client *handler.Client, rep *replica.Replica, roomID string, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	cmd, args := args[0], args[1:]
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	switch cmd {
	case "ls":
		if !rep.Loaded() {
			return false, replica.ErrNotLoaded
		}
		printTree(rep.Snapshot().Tree, "")
	case "cat":
		if len(args) != 1 {
			return false, errors.New("usage: cat <path>")
		}
		content, ok := rep.Snapshot().Files[args[0]]
		if !ok {
			return false, fmt.Errorf("no file %s", args[0])
		}
		fmt.Println(content)
	case "add", "mkdir":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: %s <parent|/> <name> [content]", cmd)
		}
		parent := strings.TrimPrefix(args[0], "/")
		if cmd == "mkdir" {
			return false, rep.Insert(parent, structure.NewFolder(args[1]), "")
		}
		return false, rep.Insert(parent, structure.NewFile(args[1]), strings.Join(args[2:], " "))
	case "mv":
		if len(args) != 2 {
			return false, errors.New("usage: mv <path> <new-name>")
		}
		return false, rep.Rename(args[0], args[1])
	case "rm":
		if len(args) != 1 {
			return false, errors.New("usage: rm <path>")
		}
		return false, rep.Delete(args[0])
	case "write":
		if len(args) < 1 {
			return false, errors.New("usage: write <path> <content>")
		}
		return false, rep.Write(args[0], strings.Join(args[1:], " "))
	case "who":
		for _, p := range rep.Presence() {
			marker := ""
			if p.ConnectionID == rep.ConnectionID() {
				marker = " (you)"
			}
			fmt.Printf("%s%s\n", p.DisplayName, marker)
		}
	case "save":
		rep.Flush()
		resp, err := client.SaveRoom(ctx, handler.SaveRoomRequest{RoomID: roomID})
		if err != nil {
			return false, err
		}
		fmt.Println("saved", resp.ArchiveKey)
	case "open":
		if len(args) != 1 {
			return false, errors.New("usage: open <path>")
		}
		resp, err := client.OpenDocument(ctx, handler.OpenDocumentRequest{RoomID: roomID, Path: args[0]})
		if err != nil {
			return false, err
		}
		fmt.Printf("document %s canWrite=%t seeded=%t\nticket: %s\n", resp.DocumentID, resp.CanWrite, resp.Seeded, resp.Ticket)
	case "resync":
		return false, rep.Resync()
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (ls, cat, add, mkdir, mv, rm, write, who, save, open, resync, quit)", cmd)
	}
	return false, nil
}

func printTree(n *structure.Node, indent string) {
	if n == nil {
		return
	}
	name := n.Name
	if n.IsFolder() {
		name += "/"
	}
	fmt.Println(indent + name)
	for _, c := range n.Children {
		printTree(c, indent+"  ")
	}
}
