// Command p2pfile sends and receives files over an encrypted, NAT-punched
// peer-to-peer link, coordinated through a small rendezvous server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/cli"
	"github.com/alterante/p2pfile/internal/netio"
	"github.com/alterante/p2pfile/internal/transfer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "receive":
		err = runReceive(os.Args[2:])
	case "coord-server":
		err = runServer(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "p2pfile: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "p2pfile: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `p2pfile: peer-to-peer encrypted file transfer

Usage:
  p2pfile send    --session ID --psk KEY --server HOST:PORT --file PATH [--json]
  p2pfile receive --session ID --psk KEY --server HOST:PORT --output DIR [--json]
  p2pfile coord-server --psk KEY [--port 9000] [--session-timeout 300]`)
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	session := fs.String("session", "", "session ID (required)")
	psk := fs.String("psk", "", "pre-shared key (required)")
	server := fs.String("server", "", "coordination server host:port (required)")
	file := fs.String("file", "", "file to send (required)")
	jsonOut := fs.Bool("json", false, "emit newline-delimited JSON events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *session == "" || *psk == "" || *server == "" || *file == "" {
		return fmt.Errorf("send: --session, --psk, --server and --file are all required")
	}

	info, err := os.Stat(*file)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("send: not a regular file: %s", *file)
	}

	emitter := cli.NewJSONEmitter(os.Stdout)
	if !*jsonOut {
		fmt.Printf("File: %s (%s)\n", info.Name(), cli.FormatSize(info.Size()))
		fmt.Println("Computing SHA-256...")
	}
	metadata, err := transfer.FromFile(*file)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if *jsonOut {
		emitter.FileInfo(metadata)
	} else {
		fmt.Printf("SHA-256: %s\n", metadata.SHA256Hex())
	}

	serverAddr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		return fmt.Errorf("send: resolving %s: %w", *server, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn := netio.NewPeerConnection(serverAddr, *session, *psk)
	if *jsonOut {
		conn.OnStateChange(emitter.Status)
	}
	defer conn.Close()

	if !*jsonOut {
		fmt.Printf("Connecting to session %q via %s...\n", *session, serverAddr)
	}
	if err := conn.Connect(ctx); err != nil {
		if *jsonOut {
			emitter.Error(err.Error())
		}
		return fmt.Errorf("send: connecting: %w", err)
	}
	if !*jsonOut {
		fmt.Println("Connected! Encrypted P2P link established.")
		fmt.Printf("  Remote endpoint: %s\n", conn.RemoteEndpoint())
	}

	channel := conn.Channel()
	sender := transfer.NewFileSender(*file, metadata, channel, conn.Router())

	stopProgress := make(chan struct{})
	go func() {
		if *jsonOut {
			cli.PrintJSONProgress(emitter, sender.Progress(), stopProgress)
		} else {
			cli.PrintProgress(os.Stdout, sender.Progress(), stopProgress)
		}
	}()

	start := time.Now()
	sendErr := sender.Send(ctx)
	close(stopProgress)

	if sendErr != nil {
		log.WithField("state", sender.State()).WithError(sendErr).Warn("send: transfer did not complete")
		if *jsonOut {
			emitter.Error(sendErr.Error())
		}
		return fmt.Errorf("send: %w", sendErr)
	}

	durationMs := time.Since(start).Milliseconds()
	if *jsonOut {
		emitter.Complete(metadata.FileSize, channel.TotalPacketsSent(), channel.TotalRetransmissions(), durationMs, "")
	} else {
		fmt.Printf("\r%s\n", sender.Progress().Bar(30))
		fmt.Println("Transfer complete!")
		fmt.Printf("  %s sent, %d packets, %d retransmissions\n",
			cli.FormatSize(metadata.FileSize), channel.TotalPacketsSent(), channel.TotalRetransmissions())
	}
	return nil
}

func runReceive(args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	session := fs.String("session", "", "session ID (required)")
	psk := fs.String("psk", "", "pre-shared key (required)")
	server := fs.String("server", "", "coordination server host:port (required)")
	output := fs.String("output", "", "output directory (required)")
	jsonOut := fs.Bool("json", false, "emit newline-delimited JSON events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *session == "" || *psk == "" || *server == "" || *output == "" {
		return fmt.Errorf("receive: --session, --psk, --server and --output are all required")
	}

	serverAddr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		return fmt.Errorf("receive: resolving %s: %w", *server, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	emitter := cli.NewJSONEmitter(os.Stdout)
	conn := netio.NewPeerConnection(serverAddr, *session, *psk)
	if *jsonOut {
		conn.OnStateChange(emitter.Status)
	}
	defer conn.Close()

	if !*jsonOut {
		fmt.Printf("Waiting for peer on session %q via %s...\n", *session, serverAddr)
	}
	if err := conn.Connect(ctx); err != nil {
		if *jsonOut {
			emitter.Error(err.Error())
		}
		return fmt.Errorf("receive: connecting: %w", err)
	}
	if !*jsonOut {
		fmt.Println("Connected! Encrypted P2P link established.")
		fmt.Printf("  Remote endpoint: %s\n", conn.RemoteEndpoint())
	}

	channel := conn.Channel()
	receiver := transfer.NewFileReceiver(*output, channel, conn.Router())

	if !*jsonOut {
		fmt.Println("Waiting for file offer...")
	}

	start := time.Now()
	stopProgress := make(chan struct{})
	progressStarted := make(chan struct{})
	go announceAndTrackProgress(emitter, receiver, *jsonOut, stopProgress, progressStarted)

	outputFile, recvErr := receiver.Receive(ctx)
	close(stopProgress)
	<-progressStarted

	if recvErr != nil {
		log.WithField("state", receiver.State()).WithError(recvErr).Warn("receive: transfer did not complete")
		if *jsonOut {
			emitter.Error(recvErr.Error())
		}
		return fmt.Errorf("receive: %w", recvErr)
	}

	durationMs := time.Since(start).Milliseconds()
	metadata := receiver.Metadata()
	if *jsonOut {
		emitter.Complete(metadata.FileSize, channel.TotalPacketsReceived(), 0, durationMs, outputFile)
	} else {
		if p := receiver.Progress(); p != nil {
			fmt.Printf("\r%s\n", p.Bar(30))
		}
		fmt.Printf("Transfer complete! File saved to: %s\n", outputFile)
		fmt.Printf("  %s received, %d packets\n", cli.FormatSize(metadata.FileSize), channel.TotalPacketsReceived())
	}
	return nil
}

// announceAndTrackProgress waits for the offer to arrive (so the filename
// and size can be printed), then drives the progress display until either
// the transfer finishes or stop is closed. progressStarted is closed once
// this goroutine has observed stop and returned, letting the caller block
// until the terminal is no longer being written to concurrently.
func announceAndTrackProgress(emitter *cli.JSONEmitter, receiver *transfer.FileReceiver, jsonOut bool, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for receiver.Progress() == nil {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}

	metadata := receiver.Metadata()
	if jsonOut {
		emitter.FileInfo(metadata)
		cli.PrintJSONProgress(emitter, receiver.Progress(), stop)
	} else {
		fmt.Printf("Receiving: %s (%s)\n", metadata.Filename, cli.FormatSize(metadata.FileSize))
		fmt.Printf("SHA-256: %s\n", metadata.SHA256Hex())
		cli.PrintProgress(os.Stdout, receiver.Progress(), stop)
	}
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("coord-server", flag.ExitOnError)
	port := fs.Int("port", 9000, "UDP port")
	psk := fs.String("psk", "", "pre-shared key for authentication (required)")
	sessionTimeout := fs.Int("session-timeout", 300, "session timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *psk == "" {
		return fmt.Errorf("coord-server: --psk is required")
	}

	srv := netio.NewCoordServer(func(o *netio.Options) {
		o.Port = *port
		o.PSK = *psk
		o.SessionTimeout = time.Duration(*sessionTimeout) * time.Second
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("p2pfile: shutting down...")
		srv.Stop()
	}()

	log.WithFields(log.Fields{"port": *port, "sessionTimeout": *sessionTimeout}).Info("p2pfile: coordination server listening")
	return srv.Start()
}
