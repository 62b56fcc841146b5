package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"crowdfund/services/marketplace/calendar"
	"crowdfund/services/marketplace/config"
	"crowdfund/services/marketplace/market"
	"crowdfund/services/marketplace/models"
)

type session struct {
	cfg config.Config
	db  *gorm.DB
	svc *market.Service
}

func open(configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	db, err := cfg.OpenDatabase()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := market.New(market.Config{DB: db, Clock: calendar.New(nil, loc), Logger: logger})
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, db: db, svc: svc}, nil
}

func (s *session) close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the marketplace schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(*configPath)
			if err != nil {
				return err
			}
			defer s.close()
			if err := models.AutoMigrate(s.db.WithContext(cmd.Context())); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("schema up to date (%s)", s.cfg.Database.Driver))
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close every open operation whose deadline has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(*configPath)
			if err != nil {
				return err
			}
			defer s.close()
			closed, err := s.svc.SweepExpiredOperations(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("closed %d expired operations", closed))
			return nil
		},
	}
}

func operationsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "Inspect funding operations",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List operations accepting bids",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(*configPath)
			if err != nil {
				return err
			}
			defer s.close()
			var ops []models.Operation
			if all {
				err = s.db.WithContext(cmd.Context()).Order("id ASC").Find(&ops).Error
			} else {
				ops, err = s.svc.ListActiveOperations(cmd.Context())
			}
			if err != nil {
				return err
			}
			printOperations(cmd.OutOrStdout(), ops)
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include closed and expired operations")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an operation and its bids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid operation id %q", args[0])
			}
			s, err := open(*configPath)
			if err != nil {
				return err
			}
			defer s.close()
			op, err := s.svc.GetOperation(cmd.Context(), uint(id))
			if err != nil {
				return err
			}
			var bids []models.Bid
			if err := s.db.WithContext(cmd.Context()).Where("operation_id = ?", op.ID).Order("id ASC").Find(&bids).Error; err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printOperations(out, []models.Operation{*op})
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BID\tINVESTOR\tAMOUNT\tRATE\tDATE")
			for _, b := range bids {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.InvestorID, b.Amount, b.InterestRate, b.BidDate.Format(time.DateOnly))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func usersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage marketplace participants",
	}
	var username, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an operator or investor",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(*configPath)
			if err != nil {
				return err
			}
			defer s.close()
			user, err := s.svc.CreateUser(cmd.Context(), username, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", color.GreenString("created"), user.ID, user.Role)
			return nil
		},
	}
	create.Flags().StringVar(&username, "username", "", "unique username")
	create.Flags().StringVar(&role, "role", models.RoleInvestor, "operator or investor")
	_ = create.MarkFlagRequired("username")
	cmd.AddCommand(create)
	return cmd
}

func printOperations(out io.Writer, ops []models.Operation) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPERATOR\tREQUIRED\tCOLLECTED\tRATE\tDEADLINE\tSTATUS")
	for _, op := range ops {
		status := color.GreenString("open")
		if op.IsClosed {
			status = color.YellowString("closed:%s", op.CloseReason)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.OperatorID, op.AmountRequired, op.AmountCollected, op.InterestRate,
			op.Deadline.Format(time.DateOnly), status)
	}
	_ = tw.Flush()
}
