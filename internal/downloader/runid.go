package downloader

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

// RunIDs hands out execution run identifiers that stay unique across
// processes sharing a cache, as long as each uses its own node id.
type RunIDs struct {
	node *snowflake.Node
}

// NewRunIDs builds a generator for nodeID. Zero derives a node id from the
// host name and pid.
func NewRunIDs(nodeID int64) (*RunIDs, error) {
	if nodeID == 0 {
		nodeID = InstanceNodeID()
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create run id node: %w", err)
	}

	return &RunIDs{node: node}, nil
}

func (g *RunIDs) Next() string {
	return g.node.Generate().String()
}

// InstanceNodeID returns a node id for this process (hostname+pid).
func InstanceNodeID() int64 {
	host, _ := os.Hostname()

	h := fnv.New32a()
	_, _ = h.Write([]byte(host + "-" + strconv.Itoa(os.Getpid())))

	return int64(h.Sum32() % (1 << snowflake.NodeBits))
}
