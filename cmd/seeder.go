package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	gatewayaccountsvc "github.com/frahmantamala/payment-connector/internal/gatewayaccount"
	gatewayaccountpg "github.com/frahmantamala/payment-connector/internal/gatewayaccount/postgres"
	"github.com/frahmantamala/payment-connector/pkg/logger"
)

var clearData bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample gateway accounts",
	Long:  `Seed the database with gateway accounts and credentials for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlDB, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlDB.Close()

		db, err := initGorm(sqlDB)
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			for _, table := range []string{"fees", "refunds", "charges", "gateway_account_credentials", "gateway_accounts"} {
				if err := db.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing data")
		}

		ctx := context.Background()
		accounts := gatewayaccountsvc.NewService(gatewayaccountpg.NewGatewayAccountRepository(db), logger.LoggerWrapper())

		seeds := []struct {
			ServiceID   string
			Description string
			Provider    string
			Values      map[string]string
		}{
			{"sandbox-service", "sandbox test account", "sandbox", nil},
			{"stripe-service", "stripe test account", "stripe", map[string]string{
				gatewayaccount.KeyStripeAccountID: "acct_seeded_test",
			}},
			{"smartpay-service", "smartpay test account", "smartpay", map[string]string{
				gatewayaccount.KeyMerchantID: "MerchantAccount",
				gatewayaccount.KeyUsername:   "ws@Company.Seeded",
				gatewayaccount.KeyPassword:   "password",
			}},
		}

		for _, s := range seeds {
			var exists int
			row := db.Raw("SELECT 1 FROM gateway_accounts WHERE service_id = ? AND description = ?", s.ServiceID, s.Description).Row()
			if err := row.Scan(&exists); err == nil {
				fmt.Printf("%s already exists; skipping\n", s.Description)
				continue
			}

			account, err := accounts.CreateAccount(ctx, s.ServiceID, gatewayaccount.TypeTest, s.Description, s.Provider, s.Values)
			if err != nil {
				log.Fatalf("failed to seed %s: %v", s.Description, err)
			}
			if err := accounts.SetNotificationCredentials(ctx, account.ID, "notifications", "password"); err != nil {
				log.Fatalf("failed to set notification credentials for %s: %v", s.Description, err)
			}
			fmt.Printf("Seeded %s: id=%d external_id=%s\n", s.Description, account.ID, account.ExternalID)
		}

		fmt.Println("Gateway accounts seeded successfully")
	},
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing data before seeding")
}
