package service

import (
	"errors"
	"testing"

	"rmasystem/internal/model"
)

func twoItemRma() []model.ReturnItem {
	return []model.ReturnItem{
		{ProductID: "p1", QtyReturned: 2},
		{ProductID: "p2", QtyReturned: 5},
	}
}

func TestValidateDecisions_OK(t *testing.T) {
	err := validateDecisions(twoItemRma(), []ItemDecision{
		{ProductID: "p1", QtyCredit: 2, QtyRestock: 0},
		{ProductID: "p2", QtyCredit: 2, QtyRestock: 3}, // 刚好用满也合法
	})
	if err != nil {
		t.Fatalf("合法决定不应报错: %v", err)
	}
}

func TestValidateDecisions_PartialDecisionsAllowed(t *testing.T) {
	// 只对部分商品给出决定，其余商品保持原值
	err := validateDecisions(twoItemRma(), []ItemDecision{
		{ProductID: "p2", QtyCredit: 1, QtyRestock: 1},
	})
	if err != nil {
		t.Fatalf("部分决定不应报错: %v", err)
	}
}

func TestValidateDecisions_UnknownItem(t *testing.T) {
	err := validateDecisions(twoItemRma(), []ItemDecision{
		{ProductID: "p1", QtyCredit: 1},
		{ProductID: "p9", QtyCredit: 1},
	})
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestValidateDecisions_OverAllocation(t *testing.T) {
	cases := [][]ItemDecision{
		{{ProductID: "p1", QtyCredit: 2, QtyRestock: 1}}, // 2+1 > 2
		{{ProductID: "p1", QtyCredit: 3, QtyRestock: 0}},
		{{ProductID: "p2", QtyCredit: 0, QtyRestock: 6}},
		{{ProductID: "p1", QtyCredit: -1, QtyRestock: 0}}, // 负数一律拒绝
	}
	for i, decisions := range cases {
		if err := validateDecisions(twoItemRma(), decisions); !errors.Is(err, ErrOverAllocation) {
			t.Fatalf("case %d: expected ErrOverAllocation, got %v", i, err)
		}
	}
}

func TestValidateDecisions_EmptyItems(t *testing.T) {
	err := validateDecisions(nil, []ItemDecision{{ProductID: "p1", QtyCredit: 1}})
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}
