package shareprice

import (
	"encoding/json"

	"golang.org/x/exp/slices"
)

// `SpUser`
// events are identifiers only. The store does not keep them consistent with the event slices.
type User struct {
	Id     string   `json:"_id"`
	Name   string   `json:"name,omitempty"`
	Email  string   `json:"email,omitempty"`
	Events []string `json:"events"`
}

func (self *User) Clone() *User {
	if self == nil {
		return nil
	}
	user := *self
	user.Events = slices.Clone(self.Events)
	return &user
}

// `SpExpense`
type Expense struct {
	Id           string   `json:"_id,omitempty"`
	Title        string   `json:"title"`
	Amount       float64  `json:"amount"`
	Payer        string   `json:"payer"`
	Participants []string `json:"participants"`
}

// `SpEvent`
type Event struct {
	Id        string     `json:"_id"`
	Name      string     `json:"name"`
	Date      string     `json:"date,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	Users     []string   `json:"users"`
	Expenses  []*Expense `json:"expenses"`
	Owner     string     `json:"owner,omitempty"`
	CreatedAt string     `json:"createdAt,omitempty"`
	UpdatedAt string     `json:"updatedAt,omitempty"`
}

func (self *Event) Clone() *Event {
	if self == nil {
		return nil
	}
	event := *self
	event.Users = slices.Clone(self.Users)
	event.Expenses = cloneExpenses(self.Expenses)
	return &event
}

// Upload is the write form of the event. Owner and timestamps are set by the backend.
func (self *Event) Upload() *EventUpload {
	return &EventUpload{
		Id:       self.Id,
		Name:     self.Name,
		Date:     self.Date,
		Currency: self.Currency,
		Users:    slices.Clone(self.Users),
		Expenses: cloneExpenses(self.Expenses),
	}
}

func cloneExpenses(expenses []*Expense) []*Expense {
	if expenses == nil {
		return nil
	}
	clones := make([]*Expense, 0, len(expenses))
	for _, expense := range expenses {
		clone := *expense
		clone.Participants = slices.Clone(expense.Participants)
		clones = append(clones, &clone)
	}
	return clones
}

// `SpEventUpload`
type EventUpload struct {
	Id       string     `json:"_id"`
	Name     string     `json:"name"`
	Date     string     `json:"date,omitempty"`
	Currency string     `json:"currency,omitempty"`
	Users    []string   `json:"users"`
	Expenses []*Expense `json:"expenses"`
}

// the upload fields are the mutation variables
func (self *EventUpload) Variables() (map[string]any, error) {
	uploadBytes, err := json.Marshal(self)
	if err != nil {
		return nil, err
	}
	variables := map[string]any{}
	if err := json.Unmarshal(uploadBytes, &variables); err != nil {
		return nil, err
	}
	return variables, nil
}
