package deribit

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type APIError struct {
	Code    int
	Message string
}

func (e APIError) Error() string {
	return "deribit api error " + strconv.Itoa(e.Code) + ": " + e.Message
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

type orderResponse struct {
	OrderID        string          `json:"order_id"`
	OrderState     string          `json:"order_state"`
	InstrumentName string          `json:"instrument_name"`
	Direction      string          `json:"direction"`
	Price          decimal.Decimal `json:"price"`
	Amount         decimal.Decimal `json:"amount"`
	FilledAmount   decimal.Decimal `json:"filled_amount"`
	Label          string          `json:"label"`
}

type orderWithTrades struct {
	Order  orderResponse     `json:"order"`
	Trades []json.RawMessage `json:"trades"`
}

type orderBookResponse struct {
	InstrumentName string              `json:"instrument_name"`
	Bids           [][]decimal.Decimal `json:"bids"`
	Asks           [][]decimal.Decimal `json:"asks"`
	Timestamp      int64               `json:"timestamp"`
}

type positionResponse struct {
	InstrumentName     string          `json:"instrument_name"`
	Kind               string          `json:"kind"`
	Direction          string          `json:"direction"`
	Size               decimal.Decimal `json:"size"`
	AveragePrice       decimal.Decimal `json:"average_price"`
	FloatingProfitLoss decimal.Decimal `json:"floating_profit_loss"`
}
