// Command sign-order demonstrates the signed-order flow a trader's
// wallet follows: generate a key, build an EIP-712 Order message, sign
// it, and print the exact JSON body the gateway's POST /api/v1/orders
// expects.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/hyperlicked/perpcore/params"
	"github.com/hyperlicked/perpcore/pkg/crypto"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// orderRequest mirrors gateway.OrderRequest; duplicated here rather than
// imported so this CLI never needs to link the gateway's HTTP/websocket
// dependency surface just to print a JSON body.
type orderRequest struct {
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	Side      uint8  `json:"side"`
	OrderType string `json:"orderType"`
	TIF       string `json:"tif"`
	Qty       string `json:"qty"`
	Price     string `json:"price"`
	Deadline  int64  `json:"deadline"`
	Nonce     int64  `json:"nonce"`
	Signature string `json:"signature"`
}

func main() {
	fmt.Println("Generating new keypair...")
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	qty, _ := decimal.Parse("0.1")
	price, _ := decimal.Parse("60000")

	msg := &crypto.OrderTypedMessage{
		Trader:   signer.Address(),
		Market:   "BTC-USD",
		Side:     0, // buy
		Qty:      qty.Raw(),
		Price:    price.Raw(),
		Deadline: big.NewInt(0), // no expiry
		Nonce:    big.NewInt(1),
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Market: %s\n", msg.Market)
	fmt.Printf("  Side: buy\n")
	fmt.Printf("  Qty: %s\n", qty.String())
	fmt.Printf("  Price: %s\n", price.String())
	fmt.Printf("  Trader: %s\n\n", msg.Trader.Hex())

	cfg := params.LoadFromEnv("")
	eip := crypto.NewEIP712Signer(crypto.EIP712Domain{
		Name:              cfg.EIP712.Name,
		Version:           cfg.EIP712.Version,
		ChainID:           new(big.Int).SetUint64(cfg.EIP712.ChainID),
		VerifyingContract: cfg.EIP712.VerifyingContract,
	})
	digest, err := eip.HashOrder(msg)
	if err != nil {
		fmt.Printf("Error hashing order: %v\n", err)
		os.Exit(1)
	}
	signature, err := signer.Sign(digest)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signature: 0x%x\n\n", signature)

	recovered, err := crypto.RecoverAddress(digest, signature)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}
	if recovered != signer.Address() {
		fmt.Println("signature does not recover to the signing address")
		os.Exit(1)
	}
	fmt.Println("Signature verified locally against the recovered address.")

	req := orderRequest{
		Trader:    msg.Trader.Hex(),
		Market:    msg.Market,
		Side:      msg.Side,
		OrderType: "LIMIT",
		TIF:       "GTC",
		Qty:       qty.String(),
		Price:     price.String(),
		Deadline:  msg.Deadline.Int64(),
		Nonce:     msg.Nonce.Int64(),
		Signature: fmt.Sprintf("0x%x", signature),
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("POST http://localhost:8080/api/v1/orders")
	fmt.Println("Content-Type: application/json")
	fmt.Println(string(body))
}
