package app

import (
	"strings"
	"testing"
)

func TestParseTransferEmail_ExtractsAmountAndID(t *testing.T) {
	body := "轉帳金額：NT$ 1,500\n交易序號：TX12345\n轉帳時間：2026-08-01 14:30"
	parsed, ok := ParseTransferEmail("入帳通知", body)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if parsed.Amount != 1500 {
		t.Errorf("expected amount 1500, got %d", parsed.Amount)
	}
	if parsed.TransferID != "TX12345" {
		t.Errorf("expected transfer id TX12345, got %q", parsed.TransferID)
	}
	if parsed.TransferredAt == nil {
		t.Error("expected transfer time to be parsed")
	}
}

func TestParseTransferEmail_EnglishPatterns(t *testing.T) {
	body := "Amount: NT$ 800\nTransaction ID: ABC999"
	parsed, ok := ParseTransferEmail("Deposit Notification", body)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if parsed.Amount != 800 {
		t.Errorf("expected amount 800, got %d", parsed.Amount)
	}
	if parsed.TransferID != "ABC999" {
		t.Errorf("expected transfer id ABC999, got %q", parsed.TransferID)
	}
}

func TestParseTransferEmail_MissingAmountRejected(t *testing.T) {
	if _, ok := ParseTransferEmail("入帳通知", "您好，感謝您的來信"); ok {
		t.Fatal("expected parse to fail without an amount")
	}
}

func TestParseTransferEmail_ZeroAmountRejected(t *testing.T) {
	if _, ok := ParseTransferEmail("入帳通知", "金額：NT$ 0"); ok {
		t.Fatal("expected parse to fail for zero amount")
	}
}

func TestParseTransferEmail_HashFallbackIsDeterministic(t *testing.T) {
	body := "存入：NT$ 500\n無任何序號"
	first, ok := ParseTransferEmail("轉帳通知", body)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	second, _ := ParseTransferEmail("轉帳通知", body)
	if !strings.HasPrefix(first.TransferID, "AUTO_") {
		t.Errorf("expected AUTO_ fallback id, got %q", first.TransferID)
	}
	if first.TransferID != second.TransferID {
		t.Errorf("expected deterministic fallback id, got %q vs %q", first.TransferID, second.TransferID)
	}

	other, _ := ParseTransferEmail("轉帳通知", body+" 額外內容")
	if other.TransferID == first.TransferID {
		t.Error("different content must derive a different fallback id")
	}
}

func TestParseTransferEmail_GroupToken(t *testing.T) {
	body := "金額：NT$ 200\n備註：GROUP_ABC123"
	parsed, ok := ParseTransferEmail("匯款通知", body)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if parsed.GroupToken != "ABC123" {
		t.Errorf("expected group token ABC123, got %q", parsed.GroupToken)
	}
}

func TestIsTransferNotification(t *testing.T) {
	cases := []struct {
		subject string
		body    string
		want    bool
	}{
		{"台新銀行 入帳通知", "", true},
		{"Deposit Notification", "your account received funds", true},
		{"Weekly newsletter", "great deals this week", false},
		{"Re: lunch", "12:30 ok?", false},
	}
	for _, tc := range cases {
		if got := IsTransferNotification(tc.subject, tc.body); got != tc.want {
			t.Errorf("IsTransferNotification(%q) = %t, want %t", tc.subject, got, tc.want)
		}
	}
}
