package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"teleconsult-backend/internal/client"
	"teleconsult-backend/pkg/env"
	"teleconsult-backend/pkg/logger"
)

func main() {
	var (
		serverURL = flag.String("server", env.GetString("CONSULT_SERVER_URL", "http://localhost:8084"), "consult service base URL")
		token     = flag.String("token", env.GetString("CONSULT_TOKEN", ""), "bearer token issued by the booking platform")
		sessionID = flag.String("session", "", "call session ID to join")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *verbose {
		logger.InitDefault()
		defer logger.Sync()
	}

	if *token == "" {
		log.Fatal("a bearer token is required (-token or CONSULT_TOKEN)")
	}
	sid, err := uuid.Parse(*sessionID)
	if err != nil {
		log.Fatalf("invalid session ID %q: %v", *sessionID, err)
	}

	media, err := client.NewMediaSource()
	if err != nil {
		log.Fatalf("media initialization failed: %v", err)
	}

	ctrl := client.NewCallController(client.CallControllerConfig{
		ServerURL: *serverURL,
		Token:     *token,
		SessionID: sid,
		API:       client.NewAPIClient(*serverURL, *token),
		Media:     media,
	})
	ctrl.OnStateChange(func(s client.CallState) {
		fmt.Printf("\n[call] state: %s\n> ", s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Run(ctx); err != nil {
		log.Fatalf("could not join call: %v", err)
	}

	if info := ctrl.Session(); info != nil {
		fmt.Printf("Joined consult %s with %s (role: %s)\n", info.ID, info.CounterpartName, info.Role)
	}
	fmt.Println("Commands: mute | unmute | video on|off | share | stopshare | say <msg> | transcript | hangup")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctrl.EndCall()
	}()

	go commandLoop(ctrl)

	<-ctrl.Done()
	fmt.Printf("Call ended after %d seconds.\n", ctrl.DurationSeconds())
}

func commandLoop(ctrl *client.CallController) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, rest, _ := strings.Cut(line, " ")

		var err error
		switch cmd {
		case "":
		case "mute":
			err = ctrl.ToggleAudio(false)
		case "unmute":
			err = ctrl.ToggleAudio(true)
		case "video":
			switch rest {
			case "on":
				err = ctrl.ToggleVideo(true)
			case "off":
				err = ctrl.ToggleVideo(false)
			default:
				fmt.Println("usage: video on|off")
			}
		case "share":
			err = ctrl.StartScreenShare()
		case "stopshare":
			err = ctrl.StopScreenShare()
		case "say":
			if rest == "" {
				fmt.Println("usage: say <message>")
			} else {
				err = ctrl.SendChat(rest)
			}
		case "transcript":
			for _, msg := range ctrl.Transcript().Messages() {
				who := msg.SenderName
				if msg.Own {
					who = "me"
				}
				fmt.Printf("  [%s] %s: %s\n", msg.ReceivedAt.Format("15:04:05"), who, msg.Body)
			}
		case "hangup", "quit", "exit":
			ctrl.EndCall()
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print("> ")
	}
}
