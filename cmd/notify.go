package cmd

import (
	"context"
	"fmt"

	"github.com/rubiojr/shopsync/pkg/notify"
	"github.com/urfave/cli/v3"
)

// NotifyCommand creates the notify command
func NotifyCommand() *cli.Command {
	userFlag := &cli.StringFlag{Name: "user", Usage: "Recipient user ID", Required: true}
	return &cli.Command{
		Name:  "notify",
		Usage: "Send and manage user notifications",
		Commands: []*cli.Command{
			{
				Name:      "send",
				Usage:     "Send a notification to a user",
				ArgsUsage: "<title>",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "message", Usage: "Notification body"},
					&cli.StringFlag{Name: "kind", Usage: "info, success, warning or error", Value: string(notify.KindInfo)},
					&cli.StringFlag{Name: "action-url", Usage: "Link opened from the notification"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: notify send <title>")
					}
					kind := notify.Kind(c.String("kind"))
					if !kind.Valid() {
						return fmt.Errorf("invalid kind %q", kind)
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					n, err := client.SendNotification(ctx, c.String("user"), notify.Input{
						Title:     c.Args().First(),
						Message:   c.String("message"),
						Kind:      kind,
						ActionURL: c.String("action-url"),
					})
					if err != nil {
						return err
					}
					fmt.Printf("%s %s\n", okStyle.Render("✓ sent"), metaStyle.Render(n.ID))
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List a user's notifications, newest first",
				Flags: []cli.Flag{
					userFlag,
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of notifications", Value: 20},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					resp, err := client.ListNotifications(ctx, c.String("user"), int(c.Int("limit")))
					if err != nil {
						return err
					}
					fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %d notifications, %d unread", resp.UserID, resp.Count, resp.Unread)))
					for _, n := range resp.Notifications {
						printNotification(n)
					}
					return nil
				},
			},
			{
				Name:  "read",
				Usage: "Mark one notification, or all of them, as read",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "id", Usage: "Notification ID, all notifications when empty"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					if err := client.MarkRead(ctx, c.String("user"), c.String("id")); err != nil {
						return err
					}
					fmt.Println(okStyle.Render("✓ marked as read"))
					return nil
				},
			},
		},
	}
}
