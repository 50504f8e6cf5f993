package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/sbily/app/models"
)

const (
	packageIntentType = "link_package"

	maxPackageQuantity = 10000

	permanentDiscountThreshold = 100
	temporaryDiscountThreshold = 50
)

var packageDiscountFactor = decimal.RequireFromString("0.90")

// PackageRequest buys extra links on top of the plan quota.
type PackageRequest struct {
	LinkType        string `json:"link_type" validate:"required,oneof=permanent temporary"`
	Quantity        int    `json:"quantity" validate:"required,gt=0,lte=10000"`
	PaymentMethodID string `json:"payment_method_id" validate:"required"`
}

// Quote returns the unit and total price of a package. Large packages get 10% off.
func (p PackagePricing) Quote(linkType string, quantity int) (unit, total decimal.Decimal, err error) {
	if quantity <= 0 || quantity > maxPackageQuantity {
		return decimal.Zero, decimal.Zero, invalid("quantity", "Invalid number of links")
	}
	threshold := 0
	switch linkType {
	case models.LinkTypePermanent:
		unit, threshold = p.Permanent, permanentDiscountThreshold
	case models.LinkTypeTemporary:
		unit, threshold = p.Temporary, temporaryDiscountThreshold
	default:
		return decimal.Zero, decimal.Zero, invalid("link_type", "Invalid link type")
	}
	total = unit.Mul(decimal.NewFromInt(int64(quantity)))
	if quantity >= threshold {
		total = total.Mul(packageDiscountFactor)
	}
	return unit, total.Round(2), nil
}

// BuyLinkPackage charges the customer for a link package. The links are credited
// once the payment intent succeeds, here or through the webhook.
func (s *Service) BuyLinkPackage(ctx context.Context, userID uint, req PackageRequest) (res *ActionResult, err error) {
	defer func() { s.track("buy_link_package", res, err) }()

	unit, total, err := s.packages.Quote(req.LinkType, req.Quantity)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return nil, invalid("payment_method_id", "A payment method is required")
	}
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if ent := user.Entitlement(sub, s.now()); !ent.Level.IsPaid() && !user.IsAdmin() {
		return nil, invalid("plan", "Link packages require an active paid plan")
	}

	customer, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	if _, err := s.attachPaymentMethod(ctx, user, customer.ID, req.PaymentMethodID); err != nil {
		return nil, err
	}

	description := fmt.Sprintf("%d %s links", req.Quantity, req.LinkType)
	intent, err := s.gateway.CreatePaymentIntent(ctx, PaymentIntentParams{
		CustomerID:      customer.ID,
		PaymentMethodID: req.PaymentMethodID,
		Amount:          total,
		Currency:        s.packages.Currency,
		Description:     description,
		Metadata: map[string]string{
			"type":      packageIntentType,
			"user_id":   strconv.FormatUint(uint64(userID), 10),
			"link_type": req.LinkType,
			"quantity":  strconv.Itoa(req.Quantity),
		},
		IdempotencyKey: "package-" + uuid.NewString(),
	})
	if err != nil {
		log.Errorf("[Billing] Link package for user %d failed: %v", userID, err)
		return nil, err
	}

	var lp *models.LinkPackage
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		payment := &models.Payment{
			UserID:        userID,
			Amount:        total,
			Status:        models.PaymentPending,
			PaymentType:   models.PaymentTypePackage,
			Description:   description,
			TransactionID: intent.ID,
			PaymentDate:   s.now(),
		}
		created, err := tx.GetOrCreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		if !created {
			lp, err = tx.LockLinkPackageByPayment(ctx, payment.ID)
			return err
		}
		lp = &models.LinkPackage{
			UserID:     userID,
			PaymentID:  payment.ID,
			LinkType:   req.LinkType,
			Quantity:   req.Quantity,
			UnitPrice:  unit,
			TotalPrice: total,
		}
		return tx.CreateLinkPackage(ctx, lp)
	})
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case IntentSucceeded:
		credited, _, err := s.creditPackage(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Status: StatusSuccess, Message: "Links added to your account", Package: credited}, nil
	case IntentRequiresAction, IntentRequiresConfirmation:
		return &ActionResult{
			Status:       StatusRequiresAction,
			Message:      "Please confirm the payment",
			ClientSecret: intent.ClientSecret,
			Package:      lp,
		}, nil
	default:
		return &ActionResult{Status: StatusPending, Message: "Payment is being processed", Package: lp}, nil
	}
}

// ConfirmPackagePayment completes a package after the customer confirmed the
// payment. Calling it again after success changes nothing.
func (s *Service) ConfirmPackagePayment(ctx context.Context, userID uint, paymentIntentID string) (res *ActionResult, err error) {
	defer func() { s.track("confirm_link_package", res, err) }()

	payment, err := s.repo.GetPaymentByTransactionID(ctx, paymentIntentID)
	if errors.Is(err, ErrNotFound) || (err == nil && (payment.UserID != userID || payment.PaymentType != models.PaymentTypePackage)) {
		return nil, invalid("payment_intent_id", "Unknown payment")
	} else if err != nil {
		return nil, err
	}

	intent, err := s.gateway.RetrievePaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	switch intent.Status {
	case IntentSucceeded:
		lp, _, err := s.creditPackage(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Status: StatusSuccess, Message: "Links added to your account", Package: lp}, nil
	case IntentRequiresAction, IntentRequiresConfirmation:
		return &ActionResult{Status: StatusRequiresAction, ClientSecret: intent.ClientSecret}, nil
	case IntentProcessing:
		return &ActionResult{Status: StatusPending, Message: "Payment is being processed"}, nil
	default:
		if err := s.failPackagePayment(ctx, intent.ID); err != nil {
			return nil, err
		}
		return nil, invalid("payment", "The payment was not completed")
	}
}

// creditPackage adds the package's links to the user's monthly limit and marks
// the payment completed. The credited_at stamp guarantees a single credit.
func (s *Service) creditPackage(ctx context.Context, transactionID string) (*models.LinkPackage, bool, error) {
	var (
		lp       *models.LinkPackage
		credited bool
	)
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		payment, err := tx.GetPaymentByTransactionID(ctx, transactionID)
		if err != nil {
			return err
		}
		lp, err = tx.LockLinkPackageByPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		if lp.IsCredited() {
			if !payment.IsCompleted() {
				payment.Complete()
				return tx.SavePayment(ctx, payment)
			}
			return nil
		}
		u, err := tx.LockUser(ctx, lp.UserID)
		if err != nil {
			return err
		}
		now := s.now()
		u.MonthlyLinkLimit += lp.Quantity
		lp.CreditedAt = &now
		payment.Complete()
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		if err := tx.SavePayment(ctx, payment); err != nil {
			return err
		}
		credited = true
		return tx.SaveLinkPackage(ctx, lp)
	})
	if err != nil {
		return nil, false, err
	}
	if credited {
		log.Infof("[Billing] Credited %d %s links to user %d", lp.Quantity, lp.LinkType, lp.UserID)
	}
	return lp, credited, nil
}

func (s *Service) failPackagePayment(ctx context.Context, transactionID string) error {
	return s.repo.Transaction(ctx, func(tx Repository) error {
		payment, err := tx.GetPaymentByTransactionID(ctx, transactionID)
		if err != nil {
			return err
		}
		if payment.IsCompleted() || payment.Status == models.PaymentFailed {
			return nil
		}
		payment.Fail()
		return tx.SavePayment(ctx, payment)
	})
}
