// Command chatcli is a terminal chat client for a DM room on a relay.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"chatcore/config"
	"chatcore/internal/api"
	"chatcore/internal/auth"
	"chatcore/internal/domain"
	"chatcore/internal/presence"
	"chatcore/internal/receipts"
	"chatcore/internal/reconnect"
	"chatcore/internal/redis"
	"chatcore/internal/session"
	"chatcore/internal/transport"
	"chatcore/internal/transport/httpdto"
	"chatcore/pkg/logger"
)

const help = `Commands:
  /typing      announce typing
  /older       load the previous page of history
  /failed      list messages that failed to send
  /resend ID   retry a failed message
  /quit        leave
Anything else is sent as a message.
`

type textContent struct {
	Text string `json:"text"`
}

func main() {
	self := flag.Int64("user", 0, "local user id")
	peer := flag.Int64("peer", 0, "user id to chat with")
	post := flag.Int64("post", 0, "post the conversation is about (0 for none)")
	flag.Parse()
	if *self == 0 || *peer == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.LoadConfig()
	l := logger.New(cfg.LogMode)
	defer l.Sync()

	token := cfg.Client.Token
	if token == "" {
		// Dev relays share JWT_SECRET with their clients.
		var err error
		token, err = auth.NewIssuer(cfg.Relay.JWTSecret, time.Hour).Issue(*self)
		if err != nil {
			l.Logger.Fatal("issue token", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client := api.NewClient(api.Options{
		BaseURL:      cfg.Client.APIBaseURL,
		Token:        token,
		Timeout:      cfg.Client.HTTPTimeout,
		FetchTimeout: cfg.Chat.FetchTimeout,
		Logger:       l,
	})
	room, err := client.CreateRoom(ctx, httpdto.CreateRoomRequest{
		Type:           string(domain.RoomTypeDM),
		ParticipantIDs: []int64{*peer},
		PostID:         *post,
	})
	if err != nil {
		l.Logger.Fatal("open room", zap.Error(err))
	}

	adapter := transport.NewWebSocketAdapter(transport.Options{
		URL:               cfg.Client.SocketURL,
		Token:             token,
		Topic:             cfg.Client.Topic,
		RoomID:            room.ID,
		SenderID:          *self,
		HeartbeatInterval: cfg.Chat.HeartbeatInterval,
		Logger:            l,
	})

	// Read cursors are shared with the user's other clients when redis is set.
	var cursors receipts.CursorStore
	if cfg.Relay.RedisHost != "" {
		rc, err := redis.Connect(ctx, redis.Config{
			Host:     cfg.Relay.RedisHost,
			Port:     cfg.Relay.RedisPort,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		})
		if err != nil {
			l.Logger.Fatal("connect redis", zap.Error(err))
		}
		defer rc.Close()
		cursors = redis.NewCursorStore(rc, 0)
	}

	var mu sync.Mutex
	printed := make(map[string]domain.MessageStatus)
	s, err := session.New(session.Deps{Adapter: adapter, API: client, Cursors: cursors, Logger: l},
		session.Options{SelfID: *self, RoomID: room.ID, Chat: cfg.Chat},
		session.Hooks{
			OnMessagesChanged: func(_ string, msgs []domain.ChatMessage) {
				mu.Lock()
				defer mu.Unlock()
				for _, m := range msgs {
					if printed[m.ID] == m.Status {
						continue
					}
					printed[m.ID] = m.Status
					fmt.Println(render(*self, m))
				}
			},
			OnStateChange: func(st reconnect.State) {
				fmt.Printf("-- %s\n", st)
			},
			OnTyping: func(_ string, userID int64, typing bool) {
				if typing {
					fmt.Printf("-- %d is typing\n", userID)
				}
			},
			OnPresence: func(a presence.Activity) {
				if a.UserID == *peer {
					fmt.Printf("-- %d online=%t active=%t\n", a.UserID, a.IsOnline, a.IsActive)
				}
			},
			OnReconnectFailed: func(attempts int) {
				fmt.Printf("-- gave up reconnecting after %d attempts\n", attempts)
			},
			OnInactivityTimeout: func() {
				fmt.Println("-- idle, connection suspended; type anything to resume")
			},
		})
	if err != nil {
		l.Logger.Fatal("build session", zap.Error(err))
	}
	defer s.Close()

	if err := s.Open(ctx); err != nil {
		l.Logger.Warn("connect failed, retrying in background", zap.Error(err))
	}
	fmt.Printf("room %s with %d\n%s", room.ID, *peer, help)

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
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.Resume(ctx)
			if quit := handleLine(ctx, s, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, s *session.Session, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/typing":
		_ = s.SendTyping(ctx, true)
	case line == "/older":
		n, err := s.LoadOlder(ctx)
		if err != nil {
			fmt.Printf("-- history: %v\n", err)
		} else if n == 0 && !s.HasMore() {
			fmt.Println("-- no older messages")
		}
	case line == "/failed":
		for _, m := range s.FailedMessages() {
			fmt.Printf("   %s %s\n", m.ID, text(m.Content))
		}
	case strings.HasPrefix(line, "/resend "):
		if _, err := s.ResendMessage(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/resend "))); err != nil {
			fmt.Printf("-- resend: %v\n", err)
		}
	default:
		content, _ := json.Marshal(textContent{Text: line})
		if _, err := s.SendMessage(ctx, ulid.Make().String(), content); err != nil {
			fmt.Printf("-- send: %v\n", err)
		}
	}
	return false
}

func render(self int64, m domain.ChatMessage) string {
	who := fmt.Sprintf("%d", m.SenderID)
	if m.SenderID == self {
		who = "me"
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", m.CreatedAt.Local().Format("15:04:05"), who, text(m.Content), m.Status)
}

func text(raw json.RawMessage) string {
	var c textContent
	if json.Unmarshal(raw, &c) == nil && c.Text != "" {
		return c.Text
	}
	return string(raw)
}
