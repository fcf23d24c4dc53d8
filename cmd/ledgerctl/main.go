package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"carledger/api/grpcserver"
	"carledger/domain/inventory"
)

const dateLayout = "2006-01-02"

func main() {
	app := &cli.App{
		Name:  "ledgerctl",
		Usage: "talk to a running ledgerd",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   "localhost:7070",
				Usage:   "ledgerd gRPC address",
				EnvVars: []string{"LEDGERCTL_ADDR"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "deadline for a single call",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "add-model",
				Usage:     "register a car model",
				ArgsUsage: "<id> <name> <brand>",
				Action: withClient(3, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					id, err := parseInt(args.Get(0))
					if err != nil {
						return nil, err
					}
					return c.AddModel(ctx, inventory.Model{ID: id, Name: args.Get(1), Brand: args.Get(2)})
				}),
			},
			{
				Name:      "add-car",
				Usage:     "register a car",
				ArgsUsage: "<vin> <model-id> <price> <date-start>",
				Action: withClient(4, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					model, err := parseInt(args.Get(1))
					if err != nil {
						return nil, err
					}
					price, err := decimal.NewFromString(args.Get(2))
					if err != nil {
						return nil, errors.Wrap(err, "price")
					}
					start, err := time.Parse(dateLayout, args.Get(3))
					if err != nil {
						return nil, errors.Wrap(err, "date-start")
					}
					return c.AddCar(ctx, inventory.Car{VIN: args.Get(0), Model: model, Price: price, DateStart: start})
				}),
			},
			{
				Name:      "sell",
				Usage:     "sell a car",
				ArgsUsage: "<sales-number> <vin> <cost> <sales-date>",
				Action: withClient(4, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					cost, err := decimal.NewFromString(args.Get(2))
					if err != nil {
						return nil, errors.Wrap(err, "cost")
					}
					date, err := time.Parse(dateLayout, args.Get(3))
					if err != nil {
						return nil, errors.Wrap(err, "sales-date")
					}
					return c.SellCar(ctx, inventory.Sale{
						SalesNumber: args.Get(0),
						CarVIN:      args.Get(1),
						Cost:        cost,
						SalesDate:   date,
					})
				}),
			},
			{
				Name:      "cars",
				Usage:     "list cars with a status",
				ArgsUsage: "<available|reserved|sold>",
				Action: withClient(1, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					status, err := inventory.ParseCarStatus(args.Get(0))
					if err != nil {
						return nil, err
					}
					return c.GetCars(ctx, status)
				}),
			},
			{
				Name:      "info",
				Usage:     "show a car with its model and sale",
				ArgsUsage: "<vin>",
				Action: withClient(1, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					return c.GetCarInfo(ctx, args.Get(0))
				}),
			},
			{
				Name:      "update-vin",
				Usage:     "rekey a car",
				ArgsUsage: "<vin> <new-vin>",
				Action: withClient(2, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					return c.UpdateVIN(ctx, args.Get(0), args.Get(1))
				}),
			},
			{
				Name:      "revert",
				Usage:     "revert a sale by its number",
				ArgsUsage: "<sales-number>",
				Action: withClient(1, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					return c.RevertSale(ctx, args.Get(0))
				}),
			},
			{
				Name:      "top",
				Usage:     "best selling models",
				ArgsUsage: "[limit]",
				Action: withClient(0, func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error) {
					limit := 0
					if args.Present() {
						var err error
						if limit, err = parseInt(args.First()); err != nil {
							return nil, err
						}
					}
					return c.TopModelsBySales(ctx, limit)
				}),
			},
			{
				Name:  "compact",
				Usage: "rewrite the logs without superseded records",
				Action: withClient(0, func(ctx context.Context, c *grpcserver.Client, _ cli.Args) (any, error) {
					return c.Compact(ctx)
				}),
			},
			{
				Name:  "stats",
				Usage: "log sizes and garbage ratios",
				Action: withClient(0, func(ctx context.Context, c *grpcserver.Client, _ cli.Args) (any, error) {
					return c.Stats(ctx)
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type call func(ctx context.Context, c *grpcserver.Client, args cli.Args) (any, error)

// withClient checks the argument count, dials ledgerd and prints the result
// as indented JSON.
func withClient(nargs int, fn call) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		if cctx.NArg() < nargs {
			_ = cli.ShowSubcommandHelp(cctx)
			return cli.Exit(fmt.Sprintf("%s needs %d arguments", cctx.Command.Name, nargs), 2)
		}

		client, err := grpcserver.Dial(cctx.String("addr"))
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()

		out, err := fn(ctx, client, cctx.Args())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "not a number: %q", s)
	}
	return n, nil
}
