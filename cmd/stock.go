package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rubiojr/shopsync/pkg/api"
	"github.com/rubiojr/shopsync/pkg/ledger"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/urfave/cli/v3"
)

// StockCommand creates the stock command
func StockCommand() *cli.Command {
	shopFlag := &cli.StringFlag{Name: "shop", Usage: "Shop ID", Required: true}
	return &cli.Command{
		Name:  "stock",
		Usage: "Inspect and change item stock",
		Commands: []*cli.Command{
			{
				Name:      "adjust",
				Usage:     "Add or remove units of an item",
				ArgsUsage: "<item> <delta>",
				Flags: []cli.Flag{
					shopFlag,
					&cli.StringFlag{Name: "reason", Usage: "Why the stock changed", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 2 {
						return fmt.Errorf("usage: stock adjust <item> <delta>")
					}
					delta, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid delta %q: %w", c.Args().Get(1), err)
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					resp, err := client.Adjust(ctx, ledger.Adjustment{
						ItemID: c.Args().Get(0),
						ShopID: c.String("shop"),
						Delta:  delta,
						Reason: c.String("reason"),
					})
					if err != nil {
						return describeStockError(err)
					}
					printStockResponse(resp)
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "Set the stock of an item to an absolute value",
				ArgsUsage: "<item> <stock>",
				Flags: []cli.Flag{
					shopFlag,
					&cli.StringFlag{Name: "reason", Usage: "Why the stock changed", Value: "Manual count"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 2 {
						return fmt.Errorf("usage: stock set <item> <stock>")
					}
					stock, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid stock %q: %w", c.Args().Get(1), err)
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					resp, err := client.SetStock(ctx, api.SetStockRequest{
						ItemID: c.Args().Get(0),
						ShopID: c.String("shop"),
						Stock:  stock,
						Reason: c.String("reason"),
					})
					if err != nil {
						return describeStockError(err)
					}
					printStockResponse(resp)
					return nil
				},
			},
			{
				Name:      "history",
				Usage:     "Show the stock history of an item, newest first",
				ArgsUsage: "<item>",
				Flags: []cli.Flag{
					shopFlag,
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of entries", Value: 20},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: stock history <item>")
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					entries, err := client.History(ctx, c.String("shop"), c.Args().First(), int(c.Int("limit")))
					if err != nil {
						return err
					}
					printHistory(entries)
					return nil
				},
			},
			{
				Name:  "items",
				Usage: "List the items of a shop",
				Flags: []cli.Flag{shopFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					items, err := client.ListItems(ctx, c.String("shop"))
					if err != nil {
						return err
					}
					printItems(items)
					return nil
				},
			},
			{
				Name:      "create",
				Usage:     "Create an item with an initial stock",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					shopFlag,
					&cli.StringFlag{Name: "id", Usage: "Item ID, generated when empty"},
					&cli.IntFlag{Name: "stock", Usage: "Initial stock"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: stock create <name>")
					}
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					item, err := client.CreateItem(ctx, api.CreateItemRequest{
						ID:     c.String("id"),
						ShopID: c.String("shop"),
						Name:   c.Args().First(),
						Stock:  int64(c.Int("stock")),
					})
					if err != nil {
						return err
					}
					fmt.Printf("%s %s (%s) in shop %s, stock %d\n",
						okStyle.Render("✓ created"), item.Name, item.ID, item.ShopID, item.Stock)
					return nil
				},
			},
			{
				Name:  "policy",
				Usage: "Show or change the order fulfillment policy",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "set", Usage: "New policy: reject or clamp"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					client, err := clientFromFlags(c)
					if err != nil {
						return err
					}
					var policy ledger.OrderPolicy
					if p := c.String("set"); p != "" {
						policy, err = client.SetOrderPolicy(ctx, ledger.OrderPolicy(p))
					} else {
						policy, err = client.OrderPolicy(ctx)
					}
					if err != nil {
						return err
					}
					fmt.Printf("Order policy: %s\n", titleStyle.Render(string(policy)))
					return nil
				},
			},
		},
	}
}

// clientFromFlags builds an API client from the config named by --config.
func clientFromFlags(c *cli.Command) (*api.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg)
}

// describeStockError adds the current stock to insufficient stock failures.
func describeStockError(err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Current != nil {
		if apiErr.Delta != nil {
			return fmt.Errorf("%s: item %s has %d in stock, %s requested",
				apiErr.ErrorResponse.Error, apiErr.ItemID, *apiErr.Current, signed(*apiErr.Delta))
		}
		return fmt.Errorf("%s: item %s has %d in stock", apiErr.Message, apiErr.ItemID, *apiErr.Current)
	}
	return err
}

func printStockResponse(resp *api.StockResponse) {
	r := resp.Result
	fmt.Printf("%s %s %d → %d %s\n", okStyle.Render("✓"), r.ItemID, r.PreviousStock, r.NewStock,
		metaStyle.Render("("+signed(r.Change())+")"))
	if resp.Warning != "" {
		fmt.Println(warnStyle.Render("warning: " + resp.Warning))
	}
}

func printHistory(entries []model.StockHistoryEntry) {
	if len(entries) == 0 {
		fmt.Println(metaStyle.Render("No history"))
		return
	}
	t := newTable("When", "Change", "Stock", "Reason", "By")
	for _, e := range entries {
		t.Row(formatTime(e.Timestamp), signed(e.Change),
			strconv.FormatInt(e.NewStock, 10), e.Reason, e.ChangedBy)
	}
	fmt.Println(t)
}

func printItems(items []model.Item) {
	if len(items) == 0 {
		fmt.Println(metaStyle.Render("No items"))
		return
	}
	t := newTable("ID", "Name", "Stock", "Updated")
	for _, it := range items {
		t.Row(it.ID, it.Name, strconv.FormatInt(it.Stock, 10), formatTime(it.UpdatedAt))
	}
	fmt.Println(t)
}

func newTable(headers ...string) *table.Table {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
}
