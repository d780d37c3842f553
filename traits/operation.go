package traits

type Operation string

const (
	Get          Operation = "GET"
	GetNull      Operation = "GET_NULL"
	Put          Operation = "PUT"
	Remove       Operation = "REMOVE"
	GetAndRemove Operation = "GET_AND_REMOVE"
	PutIfAbsent  Operation = "PUT_IF_ABSENT"
	Replace      Operation = "REPLACE"
	RemoveIfSame Operation = "REMOVE_IF_SAME"
	TxBegin      Operation = "TX_BEGIN"
	TxCommit     Operation = "TX_COMMIT"
	TxDuration   Operation = "TX_DURATION"
)
