package protocol

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/pgio"
	nodes "github.com/lfittl/pg_query_go/nodes"
)

// ParseComplete is sent when backend parsed a prepared statement successfully
var ParseComplete = Message([]byte{'1', 0, 0, 0, 4})

// BindComplete is sent when backend prepared a portal and finished planning the query
var BindComplete = Message([]byte{'2', 0, 0, 0, 4})

// PortalSuspended is sent when an Execute message row limit was reached
// before the portal's row set was exhausted
var PortalSuspended = Message([]byte{'s', 0, 0, 0, 4})

// ParameterDescription is sent when backend received Describe message from frontend
// with ObjectType = 'S' - requesting to describe prepared statement with a provided name
func ParameterDescription(ps *nodes.PrepareStmt) (Message, error) {
	res := []byte{'t'}
	sp := len(res)
	res = pgio.AppendInt32(res, -1)

	res = pgio.AppendUint16(res, uint16(len(ps.Argtypes.Items)))
	for _, at := range ps.Argtypes.Items {
		tn, ok := at.(nodes.TypeName)
		if !ok {
			return nil, fmt.Errorf("expected node of type 'TypeName', got %T", at)
		}
		oid, err := typeNameOid(tn)
		if err != nil {
			return nil, err
		}
		res = pgio.AppendUint32(res, uint32(oid))
	}

	pgio.SetInt32(res[sp:], int32(len(res[sp:])))

	return Message(res), nil
}

// typeNameOid resolves the OID of a parsed type name. The last element of the
// name list is the unqualified type name.
func typeNameOid(tn nodes.TypeName) (int, error) {
	if tn.TypeOid > 0 {
		return int(tn.TypeOid), nil
	}
	items := tn.Names.Items
	if len(items) == 0 {
		return 0, fmt.Errorf("type name has no name elements")
	}
	s, ok := items[len(items)-1].(nodes.String)
	if !ok {
		return 0, fmt.Errorf("expected node of type 'String', got %T", items[len(items)-1])
	}
	oid, ok := TypesOid[strings.ToUpper(s.Str)]
	if !ok {
		return 0, fmt.Errorf("unrecognized type name %q", s.Str)
	}
	return oid, nil
}
