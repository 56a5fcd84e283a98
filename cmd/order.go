package cmd

import (
	"context"
	"fmt"

	"github.com/rubiojr/shopsync/pkg/api"
	"github.com/urfave/cli/v3"
)

// OrderCommand creates the order command
func OrderCommand() *cli.Command {
	return &cli.Command{
		Name:  "order",
		Usage: "Place and return orders",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Place an order and deduct its lines from stock",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "shop", Usage: "Shop ID", Required: true},
					&cli.StringFlag{Name: "id", Usage: "Order ID, generated when empty"},
					&cli.StringSliceFlag{Name: "line", Usage: "Order line as product:quantity (repeatable)", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					lines, err := parseLines(c.StringSlice("line"))
					if err != nil {
						return err
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					resp, err := client.CreateOrder(ctx, api.CreateOrderRequest{
						ID:     c.String("id"),
						ShopID: c.String("shop"),
						Lines:  lines,
					})
					if err != nil {
						return describeStockError(err)
					}
					printOrder(resp)
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "Show an order and its lines",
				ArgsUsage: "<order>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: order show <order>")
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					resp, err := client.GetOrder(ctx, c.Args().First())
					if err != nil {
						return err
					}
					printOrder(resp)
					for _, line := range resp.Order.Lines {
						fmt.Printf("  %s × %d\n", line.ProductID, line.Quantity)
					}
					return nil
				},
			},
			{
				Name:      "return",
				Usage:     "Return a fulfilled order and put its units back in stock",
				ArgsUsage: "<order>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "line", Usage: "Partial return as product:quantity (repeatable), everything left when omitted"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: order return <order>")
					}
					lines, err := parseLines(c.StringSlice("line"))
					if err != nil {
						return err
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					resp, err := client.ReturnOrder(ctx, c.Args().First(), lines...)
					if err != nil {
						return err
					}
					printOrder(resp)
					return nil
				},
			},
		},
	}
}

func printOrder(resp *api.OrderResponse) {
	o := resp.Order
	fmt.Printf("%s #%s %s\n", titleStyle.Render("order"), o.ID, orderStatusStyle(o.Status).Render(o.Status))
	for _, r := range resp.Results {
		fmt.Printf("  %s %d → %d %s\n", r.ItemID, r.PreviousStock, r.NewStock, metaStyle.Render("("+signed(r.Change())+")"))
		if r.Shortfall > 0 {
			fmt.Println(warnStyle.Render(fmt.Sprintf("    short by %d", r.Shortfall)))
		}
	}
}
