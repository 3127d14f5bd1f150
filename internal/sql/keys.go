package sql

import "github.com/myuser/sqldb/internal/storage/keycode"

// Row and table keys live in the transaction's raw key space.
const (
	tagTable byte = 0x01
	tagRow   byte = 0x02
)

func tableKey(table string) []byte {
	return keycode.NewEncoder(3 + len(table)).Tag(tagTable).Bytes([]byte(table)).Key()
}

func rowKey(table string, pk []byte) []byte {
	return keycode.NewEncoder(5 + len(table) + len(pk)).Tag(tagRow).Bytes([]byte(table)).Bytes(pk).Key()
}

// rowPrefix selects every row of table. The table name is terminated, so
// "user" never matches rows of "users".
func rowPrefix(table string) []byte {
	return keycode.NewEncoder(3 + len(table)).Tag(tagRow).Bytes([]byte(table)).Key()
}
