// Пакет commit — таблица состояний фиксации файла.
//
// Линейный жизненный цикл без циклов:
//
//	STAGED → MAIN_PROMOTED → MAIN_COMMITTED → [REPLICA_PROMOTED → REPLICA_COMMITTED] → CLEANED_UP
//
// До MAIN_COMMITTED допускается откат в ROLLED_BACK. После MAIN_COMMITTED
// основная копия считается принятой, откатывать её нельзя.
package commit

import (
	"fmt"
	"time"
)

// State — состояние намерения фиксации.
type State string

const (
	StateStaged           State = "STAGED"
	StateMainPromoted     State = "MAIN_PROMOTED"
	StateMainCommitted    State = "MAIN_COMMITTED"
	StateReplicaPromoted  State = "REPLICA_PROMOTED"
	StateReplicaCommitted State = "REPLICA_COMMITTED"
	StateCleanedUp        State = "CLEANED_UP"
	StateRolledBack       State = "ROLLED_BACK"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	StateStaged:           {StateMainPromoted: true, StateRolledBack: true},
	StateMainPromoted:     {StateMainCommitted: true, StateRolledBack: true},
	StateMainCommitted:    {StateReplicaPromoted: true, StateCleanedUp: true},
	StateReplicaPromoted:  {StateReplicaCommitted: true, StateCleanedUp: true},
	StateReplicaCommitted: {StateCleanedUp: true},
	StateCleanedUp:        {},
	StateRolledBack:       {},
}

// order — порядковый номер состояния на пути фиксации.
var order = map[State]int{
	StateStaged:           0,
	StateMainPromoted:     1,
	StateMainCommitted:    2,
	StateReplicaPromoted:  3,
	StateReplicaCommitted: 4,
	StateCleanedUp:        5,
}

// Transition — запись о переходе.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionError — ошибка недопустимого перехода.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, INVALID_STATE
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to State) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Validate возвращает *TransitionError для недопустимого перехода.
func Validate(from, to State) error {
	if !IsValid(to) {
		return &TransitionError{
			Code:    "INVALID_STATE",
			Message: fmt.Sprintf("недопустимое целевое состояние: %q", to),
		}
	}
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}

// IsValid проверяет, является ли значение известным состоянием.
func IsValid(s State) bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal — из состояния нет переходов.
func (s State) IsTerminal() bool {
	return s == StateCleanedUp || s == StateRolledBack
}

// MainDurable — основная копия зафиксирована в каталоге.
func (s State) MainDurable() bool {
	if s == StateRolledBack {
		return false
	}
	return order[s] >= order[StateMainCommitted]
}

// Before сообщает, предшествует ли s состоянию other на пути фиксации.
// ROLLED_BACK не упорядочено и всегда даёт false.
func (s State) Before(other State) bool {
	if s == StateRolledBack || other == StateRolledBack {
		return false
	}
	return order[s] < order[other]
}

// ParseState преобразует строку в State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !IsValid(st) {
		return "", fmt.Errorf("недопустимое состояние фиксации: %q", s)
	}
	return st, nil
}
