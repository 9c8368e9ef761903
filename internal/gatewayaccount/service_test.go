package gatewayaccount_test

import (
	"context"
	"errors"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	gatewayaccountpkg "github.com/frahmantamala/payment-connector/internal/gatewayaccount"
)

type mockRepository struct {
	accounts    map[int64]*gatewayaccount.GatewayAccount
	credentials map[string]*gatewayaccount.Credential
	createError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		accounts:    make(map[int64]*gatewayaccount.GatewayAccount),
		credentials: make(map[string]*gatewayaccount.Credential),
	}
}

func (m *mockRepository) Create(ctx context.Context, a *gatewayaccount.GatewayAccount) error {
	if m.createError != nil {
		return m.createError
	}
	a.ID = int64(len(m.accounts) + 1)
	m.accounts[a.ID] = a
	return nil
}

func (m *mockRepository) GetByID(ctx context.Context, id int64) (*gatewayaccount.GatewayAccount, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, gatewayaccountpkg.ErrNotFound
	}
	copied := *a
	copied.Credentials = nil
	for _, c := range m.credentials {
		if c.GatewayAccountID == id {
			copied.Credentials = append(copied.Credentials, *c)
		}
	}
	return &copied, nil
}

func (m *mockRepository) GetByExternalID(ctx context.Context, externalID string) (*gatewayaccount.GatewayAccount, error) {
	for id, a := range m.accounts {
		if a.ExternalID == externalID {
			return m.GetByID(ctx, id)
		}
	}
	return nil, gatewayaccountpkg.ErrNotFound
}

func (m *mockRepository) UpdateNotificationCredentials(ctx context.Context, id int64, username, hash string) error {
	a, ok := m.accounts[id]
	if !ok {
		return gatewayaccountpkg.ErrNotFound
	}
	a.NotificationUsername = &username
	a.NotificationPasswordHash = &hash
	return nil
}

func (m *mockRepository) CreateCredential(ctx context.Context, c *gatewayaccount.Credential) error {
	c.ID = int64(len(m.credentials) + 1)
	m.credentials[c.ExternalID] = c
	return nil
}

func (m *mockRepository) UpdateCredential(ctx context.Context, c *gatewayaccount.Credential) error {
	m.credentials[c.ExternalID] = c
	return nil
}

func (m *mockRepository) GetCredentialByExternalID(ctx context.Context, externalID string) (*gatewayaccount.Credential, error) {
	c, ok := m.credentials[externalID]
	if !ok {
		return nil, gatewayaccountpkg.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *mockRepository) HasActiveCredentials(ctx context.Context, accountID int64) (bool, error) {
	for _, c := range m.credentials {
		if c.GatewayAccountID == accountID && c.State == gatewayaccount.CredentialStateActive {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) FindCredentialByKeyValue(ctx context.Context, key, value string) (*gatewayaccount.Credential, error) {
	for _, c := range m.credentials {
		if c.Credentials[key] == value {
			return c, nil
		}
	}
	return nil, gatewayaccountpkg.ErrNotFound
}

var _ = Describe("Gateway account service", func() {
	var (
		repo    *mockRepository
		service *gatewayaccountpkg.Service
		ctx     context.Context
	)

	BeforeEach(func() {
		repo = newMockRepository()
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = gatewayaccountpkg.NewService(repo, logger)
		ctx = context.Background()
	})

	Describe("CreateCredential", func() {
		It("should make the first pre-populated credential active", func() {
			// Given
			account, err := service.CreateAccount(ctx, "svc-1", gatewayaccount.TypeTest, "test", "worldpay",
				map[string]string{gatewayaccount.KeyMerchantID: "MERCHANT"})
			Expect(err).ToNot(HaveOccurred())

			// Then
			Expect(account.Credentials).To(HaveLen(1))
			Expect(account.Credentials[0].State).To(Equal(gatewayaccount.CredentialStateActive))
			Expect(account.Credentials[0].ActiveStartDate).ToNot(BeNil())
		})

		It("should enter further credentials when one is already active", func() {
			account, err := service.CreateAccount(ctx, "svc-1", gatewayaccount.TypeLive, "live", "worldpay",
				map[string]string{gatewayaccount.KeyMerchantID: "MERCHANT"})
			Expect(err).ToNot(HaveOccurred())

			second, err := service.CreateCredential(ctx, account.ID, "stripe", map[string]string{gatewayaccount.KeyStripeAccountID: "acct_1"})

			Expect(err).ToNot(HaveOccurred())
			Expect(second.State).To(Equal(gatewayaccount.CredentialStateEntered))
		})

		It("should leave empty credentials created, except for the sandbox", func() {
			account, err := service.CreateAccount(ctx, "svc-1", gatewayaccount.TypeTest, "test", "smartpay", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(account.Credentials[0].State).To(Equal(gatewayaccount.CredentialStateCreated))

			sandbox, err := service.CreateCredential(ctx, account.ID, "sandbox", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(sandbox.State).To(Equal(gatewayaccount.CredentialStateActive))
		})

		It("should reject unknown account types", func() {
			_, err := service.CreateAccount(ctx, "svc-1", gatewayaccount.Type("prod"), "x", "sandbox", nil)
			Expect(errors.Is(err, internal.NewValidationError("", internal.ErrCodeValidationFailed))).To(BeTrue())
		})
	})

	Describe("UpdateCredentialValues", func() {
		It("should activate a created credential that is the only one", func() {
			account, _ := service.CreateAccount(ctx, "svc-1", gatewayaccount.TypeTest, "test", "epdq", nil)
			credentialID := account.Credentials[0].ExternalID

			updated, err := service.UpdateCredentialValues(ctx, credentialID, map[string]string{gatewayaccount.KeyMerchantID: "PSPID"})

			Expect(err).ToNot(HaveOccurred())
			Expect(updated.State).To(Equal(gatewayaccount.CredentialStateActive))
			Expect(updated.Credentials).To(HaveKeyWithValue(gatewayaccount.KeyMerchantID, "PSPID"))
		})
	})

	Describe("UpdateCredentialState", func() {
		It("should only move forward", func() {
			account, _ := service.CreateAccount(ctx, "svc-1", gatewayaccount.TypeTest, "test", "worldpay",
				map[string]string{gatewayaccount.KeyMerchantID: "M"})
			credentialID := account.Credentials[0].ExternalID

			_, err := service.UpdateCredentialState(ctx, credentialID, gatewayaccount.CredentialStateEntered)
			Expect(err).To(HaveOccurred())

			retired, err := service.UpdateCredentialState(ctx, credentialID, gatewayaccount.CredentialStateRetired)
			Expect(err).ToNot(HaveOccurred())
			Expect(retired.ActiveEndDate).ToNot(BeNil())
		})
	})

	Describe("UsableCredential", func() {
		account := func(states ...gatewayaccount.CredentialState) *gatewayaccount.GatewayAccount {
			a := &gatewayaccount.GatewayAccount{ID: 1}
			for _, s := range states {
				a.Credentials = append(a.Credentials, gatewayaccount.Credential{PaymentProvider: "stripe", State: s})
			}
			return a
		}

		It("should return the single usable credential", func() {
			c, err := service.UsableCredential(account(gatewayaccount.CredentialStateRetired, gatewayaccount.CredentialStateActive), "stripe")
			Expect(err).ToNot(HaveOccurred())
			Expect(c.State).To(Equal(gatewayaccount.CredentialStateActive))
		})

		It("should fail when none exist for the provider", func() {
			_, err := service.UsableCredential(account(gatewayaccount.CredentialStateActive), "worldpay")
			Expect(errors.Is(err, internal.ErrCredentialsNotFound)).To(BeTrue())
		})

		It("should fail when the only credential is not configured", func() {
			_, err := service.UsableCredential(account(gatewayaccount.CredentialStateCreated), "stripe")
			Expect(errors.Is(err, internal.ErrCredentialsNotFound)).To(BeTrue())
		})

		It("should refuse to choose between several usable credentials", func() {
			_, err := service.UsableCredential(account(gatewayaccount.CredentialStateEntered, gatewayaccount.CredentialStateActive), "stripe")
			Expect(err).To(MatchError(ContainSubstring("multiple usable credentials")))
		})
	})

	Describe("FindStripeAccount", func() {
		It("should resolve the account owning the connect account", func() {
			account, _ := service.CreateAccount(ctx, "svc-1", gatewayaccount.TypeLive, "live", "stripe",
				map[string]string{gatewayaccount.KeyStripeAccountID: "acct_123"})

			found, err := service.FindStripeAccount(ctx, "acct_123")

			Expect(err).ToNot(HaveOccurred())
			Expect(found.ExternalID).To(Equal(account.ExternalID))
			Expect(found.IsLive()).To(BeTrue())
		})

		It("should report unknown connect accounts", func() {
			_, err := service.FindStripeAccount(ctx, "acct_missing")
			Expect(errors.Is(err, internal.ErrCredentialsNotFound)).To(BeTrue())
		})
	})

	Describe("notification credentials", func() {
		It("should store a bcrypt hash and verify against it", func() {
			account, _ := service.CreateAccount(ctx, "svc-1", gatewayaccount.TypeTest, "test", "smartpay", nil)

			Expect(service.SetNotificationCredentials(ctx, account.ID, "notify", "s3cret")).To(Succeed())
			stored := repo.accounts[account.ID]
			Expect(bcrypt.CompareHashAndPassword([]byte(*stored.NotificationPasswordHash), []byte("s3cret"))).To(Succeed())

			Expect(service.VerifyNotificationCredentials(stored, "notify", "s3cret")).To(Succeed())
			Expect(service.VerifyNotificationCredentials(stored, "notify", "wrong")).To(MatchError(internal.ErrInvalidCredentials))
			Expect(service.VerifyNotificationCredentials(stored, "other", "s3cret")).To(MatchError(internal.ErrInvalidCredentials))
		})
	})
})
