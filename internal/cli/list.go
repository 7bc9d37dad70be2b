package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/groupfinance/txengine/internal/app/query"
	"github.com/groupfinance/txengine/internal/daemon"
)

var (
	listStatus string
	listOwner  string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "only show transactions in this status")
	listCmd.Flags().StringVarP(&listOwner, "owner", "o", "", "only show transactions owned by this user")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored transactions, newest first",
	Example: `  txengine list
  txengine list --status pending
  txengine list --owner alice`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := daemon.OpenStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	txs, err := selectTransactions(cmd.Context(), query.New(store), listStatus, listOwner)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		pterm.Warning.Println("No transactions found")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(tableData(txs)).Render()
}

func selectTransactions(ctx context.Context, q *query.Service, status, owner string) ([]query.Transaction, error) {
	switch {
	case status != "" && owner != "":
		return nil, fmt.Errorf("--status and --owner cannot be combined")
	case status != "":
		return q.TransactionsByStatus(ctx, status)
	case owner != "":
		return q.UserTransactions(ctx, owner)
	default:
		return q.AllTransactions(ctx)
	}
}

func tableData(txs []query.Transaction) pterm.TableData {
	data := pterm.TableData{
		{"ID", "Created", "Owner", "Category", "Amount", "Status", "Receipt"},
	}
	for _, tx := range txs {
		data = append(data, []string{
			tx.ID,
			tx.CreatedAt.Local().Format(time.DateTime),
			tx.OwnerID,
			tx.Category,
			tx.Amount,
			tx.Status,
			tx.ReceiptToken,
		})
	}
	return data
}
