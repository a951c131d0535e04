package protocol

import (
	"github.com/zoravur/livequery/internal/common"
	"github.com/zoravur/livequery/internal/store"
)

// EditableRow is a row of { column: EditableCell }
type EditableRow map[string]EditableCell

type EditableCell struct {
	EditHandle string `json:"editHandle"`
	Value      any    `json:"value"`
}

// SerializeRows wraps every cell with the handle of its row. When columns is
// empty all columns are included.
func SerializeRows(tv *store.TableView, snap *store.Snapshot, columns []string) ([]EditableRow, error) {
	rows, err := tv.Rows(snap)
	if err != nil {
		return nil, err
	}
	out := make([]EditableRow, 0, len(rows))
	for _, r := range rows {
		handle := common.EncodeHandle(tv.Table, r.Key)
		row := EditableRow{}
		if len(columns) == 0 {
			for col, v := range r.Values() {
				row[col] = EditableCell{EditHandle: handle, Value: v}
			}
		} else {
			for _, col := range columns {
				v, err := r.Get(col)
				if err != nil {
					return nil, err
				}
				row[col] = EditableCell{EditHandle: handle, Value: v}
			}
		}
		out = append(out, row)
	}
	return out, nil
}
