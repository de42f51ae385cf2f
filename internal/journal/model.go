package journal

import (
	"gorm.io/datatypes"
)

type OrderStatus int

const (
	OrderStatusUnknown  OrderStatus = 0
	OrderStatusAccepted OrderStatus = 1
	OrderStatusRejected OrderStatus = 2
	OrderStatusPartial  OrderStatus = 3
	OrderStatusFilled   OrderStatus = 4
	OrderStatusCanceled OrderStatus = 5
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusAccepted:
		return "accepted"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusPartial:
		return "partial"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type OrderModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	ClientID      string         `gorm:"column:client_id;uniqueIndex"`
	Symbol        string         `gorm:"column:symbol;index"`
	Side          string         `gorm:"column:side"`
	Quantity      float64        `gorm:"column:quantity"`
	StopLoss      float64        `gorm:"column:stop_loss"`
	TakeProfit    float64        `gorm:"column:take_profit"`
	Equity        float64        `gorm:"column:equity"`
	Status        OrderStatus    `gorm:"column:status"`
	RejectReason  string         `gorm:"column:reject_reason"`
	RawJSON       datatypes.JSON `gorm:"column:raw_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "session_orders" }

type FillModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	FillID        string  `gorm:"column:fill_id;uniqueIndex"`
	OrderID       string  `gorm:"column:order_id;index"`
	Symbol        string  `gorm:"column:symbol"`
	Side          string  `gorm:"column:side"`
	Quantity      float64 `gorm:"column:quantity"`
	Price         float64 `gorm:"column:price"`
	Partial       int     `gorm:"column:partial"`
	CreatedAtUnix int64   `gorm:"column:created_at;index"`
}

func (FillModel) TableName() string { return "session_fills" }

type ExitModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Symbol        string  `gorm:"column:symbol"`
	Side          string  `gorm:"column:side"`
	Quantity      float64 `gorm:"column:quantity"`
	Price         float64 `gorm:"column:price"`
	PnL           float64 `gorm:"column:pnl"`
	Reason        string  `gorm:"column:reason;index"`
	CreatedAtUnix int64   `gorm:"column:created_at;index"`
}

func (ExitModel) TableName() string { return "session_exits" }

type CancelModel struct {
	ID             int64   `gorm:"column:id;primaryKey"`
	WorkingOrderID string  `gorm:"column:working_order_id;index"`
	ParentID       string  `gorm:"column:parent_id"`
	Symbol         string  `gorm:"column:symbol"`
	Remaining      float64 `gorm:"column:remaining"`
	Reason         string  `gorm:"column:reason"`
	CreatedAtUnix  int64   `gorm:"column:created_at;index"`
}

func (CancelModel) TableName() string { return "session_cancels" }
