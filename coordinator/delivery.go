package coordinator

import (
	"context"
	"time"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/settlement"
)

// DeliveryParams describes a vendor delivering to a customer. The vendor
// posts CollateralRatio percent of Price as collateral and the customer
// escrows the rest.
type DeliveryParams struct {
	Title           string
	Vendor          string
	Customer        string
	Price           uint64
	CollateralRatio uint8
	Deadline        time.Time
	DisputeWindow   time.Duration
}

// Delivery runs vendor to customer deliveries: both sides sign and stake,
// delivery returns both stakes, a failed delivery forfeits the vendor's
// collateral to the customer.
type Delivery struct {
	base
}

func NewDelivery(engine Engine, identity string) *Delivery {
	return &Delivery{base{engine: engine, self: identity}}
}

// Open creates the delivery agreement with both parties in one call.
func (d *Delivery) Open(ctx context.Context, p DeliveryParams) (uint64, error) {
	if p.CollateralRatio > settlement.MaxRatio {
		return 0, agreement.ErrStakeRatioTooHigh
	}
	return d.open(ctx, agreement.CreateParams{
		Title:              p.Title,
		Creator:            p.Vendor,
		ExpirationTime:     p.Deadline,
		DisputeWindow:      p.DisputeWindow,
		TotalStakingAmount: p.Price,
	}, []Member{
		{Identity: p.Vendor, Ratio: p.CollateralRatio, RequiresSignature: true},
		{Identity: p.Customer, Ratio: settlement.MaxRatio - p.CollateralRatio, RequiresSignature: true},
	})
}

// Accept signs for party and stakes its share.
func (d *Delivery) Accept(ctx context.Context, id uint64, party string) (agreement.Status, error) {
	return d.commit(ctx, id, party, true, true)
}

// ConfirmDelivery settles a completed delivery once the deadline has passed.
func (d *Delivery) ConfirmDelivery(ctx context.Context, id uint64) (settlement.Plan, error) {
	return d.engine.Fulfill(ctx, d.self, id)
}

// ReportFailure declares the vendor in breach after the dispute window.
func (d *Delivery) ReportFailure(ctx context.Context, id uint64, vendor string) (settlement.Plan, error) {
	return d.engine.Breach(ctx, d.self, id, vendor)
}
