package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/rubiojr/shopsync/pkg/api"
	"github.com/rubiojr/shopsync/pkg/config"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/notify"
	"github.com/rubiojr/shopsync/pkg/realtime"
	"github.com/urfave/cli/v3"
)

// ListenCommand creates the listen command
func ListenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Follow stock, order and notification updates in real time",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "User token, defaults to realtime.token or SHOPSYNC_TOKEN",
			},
			&cli.StringSliceFlag{
				Name:  "shop",
				Usage: "Shop to follow (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "conversation",
				Usage: "Conversation to follow (repeatable)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if token := c.String("token"); token != "" {
				cfg.Realtime.Token = token
			}
			return listen(ctx, cfg, c.StringSlice("shop"), c.StringSlice("conversation"))
		},
	}
}

func listen(ctx context.Context, cfg *config.Config, shops, conversations []string) error {
	l := log.ForService("listen")
	token := cfg.Realtime.Token
	if token == "" {
		return fmt.Errorf("a token is required, use --token or set SHOPSYNC_TOKEN")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := realtime.NewClient(realtime.Options{
		URL:                  cfg.Realtime.URL,
		Token:                token,
		BackoffBase:          cfg.Realtime.BackoffBase.Duration,
		MaxBackoff:           cfg.Realtime.MaxBackoff.Duration,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval.Duration,
	})
	if err != nil {
		return err
	}
	apiClient, err := newAPIClient(cfg)
	if err != nil {
		return err
	}

	center := notify.New(notify.Options{
		UserID: token,
		Store:  apiClient.Notifications(),
		Push:   notify.NewRealtimePush(client.Router()),
		Limit:  cfg.Notifications.Limit,
	})
	defer center.Shutdown()
	unsubscribe := center.Subscribe(printNotification)
	defer unsubscribe()

	// Rooms live on the server session, so every new connection joins again.
	handlers := map[realtime.EventName]*realtime.Handler{
		realtime.EventConnected: realtime.NewHandler(func(realtime.Frame) {
			fmt.Println(okStyle.Render("● connected") + " " + metaStyle.Render(cfg.Realtime.URL))
			for _, shop := range shops {
				client.JoinShop(shop)
			}
			for _, conv := range conversations {
				client.JoinConversation(conv)
			}
			go func() {
				if err := center.Load(ctx); err != nil {
					l.Warnf("loading notifications: %v", err)
					return
				}
				if n := center.UnreadCount(); n > 0 {
					fmt.Println(warnStyle.Render(fmt.Sprintf("%d unread notifications", n)))
				}
			}()
		}),
		realtime.EventDisconnected: realtime.HandlerFor(func(d realtime.Disconnected) {
			msg := fmt.Sprintf("○ disconnected (attempt %d, retrying in %.0fs)", d.Attempt, d.RetryInSec)
			if d.Error != "" {
				msg += ": " + d.Error
			}
			fmt.Println(warnStyle.Render(msg))
		}),
		realtime.EventMaxReconnectAttempts: realtime.HandlerFor(func(e realtime.ReconnectExhausted) {
			fmt.Println(errStyle.Render(fmt.Sprintf("✗ giving up after %d reconnect attempts", e.Attempts)))
			stop()
		}),
		realtime.EventStockUpdate: realtime.HandlerFor(func(u realtime.StockUpdate) {
			fmt.Printf("%s %s/%s %d → %d %s\n",
				titleStyle.Render("stock"), u.ShopID, u.ItemID, u.Previous, u.Stock,
				metaStyle.Render("("+signed(u.Stock-u.Previous)+")"))
		}),
		realtime.EventOrderUpdate: realtime.HandlerFor(func(o realtime.OrderUpdate) {
			fmt.Printf("%s #%s %s %s\n",
				titleStyle.Render("order"), o.ID, orderStatusStyle(o.Status).Render(o.Status),
				metaStyle.Render(fmt.Sprintf("(%d lines, shop %s)", len(o.Lines), o.ShopID)))
		}),
	}
	for event, h := range handlers {
		if err := client.On(event, h); err != nil {
			return err
		}
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	<-ctx.Done()
	return nil
}

func orderStatusStyle(status string) lipgloss.Style {
	switch status {
	case api.OrderFulfilled:
		return okStyle
	case api.OrderRejected:
		return errStyle
	case api.OrderReturned:
		return warnStyle
	}
	return metaStyle
}

func printNotification(n notify.Notification) {
	var b strings.Builder
	b.WriteString(titleCase.String(string(n.Kind)) + ": " + n.Title)
	if n.Message != "" {
		b.WriteString("\n" + n.Message)
	}
	meta := formatTime(n.CreatedAt) + "  " + n.ID
	if n.Read {
		meta += "  (read)"
	}
	b.WriteString("\n" + metaStyle.Render(meta))
	fmt.Println(cardStyle.Render(b.String()))
}
