package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

func (m *Manager) SendConsensusFailureAlert(dataTimestamp uint64, leader, reason string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *CONSENSUS FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Oracle Consensus Failure",
				Fields: []slackField{
					{Title: "Data Timestamp", Value: fmt.Sprintf("%d", dataTimestamp), Short: true},
					{Title: "Leader", Value: leader, Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: "Witnz Oracle",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendBalanceAlert reports a wallet below one of its thresholds. severity is
// "warning" or "danger".
func (m *Manager) SendBalanceAlert(chainID, wallet, balance, threshold, severity string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: fmt.Sprintf("⚠️ *LOW BALANCE on %s*", chainID),
		Attachments: []slackAttachment{
			{
				Color: severity,
				Title: "Wallet Balance Low",
				Fields: []slackField{
					{Title: "Chain", Value: chainID, Short: true},
					{Title: "Wallet", Value: wallet, Short: true},
					{Title: "Balance", Value: balance, Short: true},
					{Title: "Threshold", Value: threshold, Short: true},
				},
				Footer: "Witnz Oracle",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendTransactionAlert(chainID, txHash, status, details string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *TRANSACTION %s on %s*", strings.ToUpper(status), chainID),
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Oracle Transaction Problem",
				Fields: []slackField{
					{Title: "Chain", Value: chainID, Short: true},
					{Title: "Status", Value: status, Short: true},
					{Title: "Transaction", Value: txHash, Short: false},
					{Title: "Details", Value: details, Short: false},
				},
				Footer: "Witnz Oracle",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "Witnz Oracle",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
