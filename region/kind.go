package region

import "fmt"

// Kind selects the behaviour of one mutating operation.
type Kind uint8

const (
	KindPut Kind = iota
	// KindPutTx is a put replayed from a committed transaction; it may
	// carry no value.
	KindPutTx
	KindPutIfAbsent
	KindCreate
	KindDestroy
	// KindRemove removes the key only if it holds the expected value.
	KindRemove
	// KindRemoveUnconditional removes the key whatever its value.
	KindRemoveUnconditional
	KindInvalidate
)

var kindNames = [...]string{
	KindPut:                 "put",
	KindPutTx:               "put-tx",
	KindPutIfAbsent:         "put-if-absent",
	KindCreate:              "create",
	KindDestroy:             "destroy",
	KindRemove:              "remove",
	KindRemoveUnconditional: "remove-unconditional",
	KindInvalidate:          "invalidate",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// writes reports whether the kind stores a value.
func (k Kind) writes() bool {
	switch k {
	case KindPut, KindPutTx, KindPutIfAbsent, KindCreate:
		return true
	}
	return false
}

// removes reports whether the kind destroys the key.
func (k Kind) removes() bool {
	switch k {
	case KindDestroy, KindRemove, KindRemoveUnconditional:
		return true
	}
	return false
}

// txReplay is the kind a committed transaction replays this kind as.
func (k Kind) txReplay() Kind {
	switch {
	case k.writes():
		return KindPutTx
	case k.removes():
		return KindDestroy
	}
	return k
}
