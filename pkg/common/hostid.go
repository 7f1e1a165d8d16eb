package common

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// NodeMeta is the content of the node metadata file written at provisioning.
type NodeMeta struct {
	NodeID string `json:"node_id"`
}

// ReadNodeMeta reads node metadata from file
func ReadNodeMeta(f string) (*NodeMeta, error) {
	b, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("cannot find metadata file %s: %s", f, err.Error())
	}
	var nodeMeta NodeMeta
	if err := json.Unmarshal(b, &nodeMeta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata file %s: %s", f, err.Error())
	}
	return &nodeMeta, nil
}

var hostname = os.Hostname

// HostIdentity returns the identity attachments of this host are recorded
// under: the instance id for the native connector, the host name otherwise.
func HostIdentity(c Config) (string, error) {
	var id string
	switch c.Connector {
	case ConnectorNative:
		id = c.InstanceID
		if id == "" {
			meta, err := ReadNodeMeta(c.NodeMetaFile)
			if err != nil {
				return "", InvalidArgumentf("instanceID is empty and %s", err.Error())
			}
			id = meta.NodeID
		}
	default:
		id = c.HostName
		if id == "" {
			h, err := hostname()
			if err != nil {
				return "", fmt.Errorf("HostIdentity: get hostname failed, err is: %s", err.Error())
			}
			id = h
		}
	}

	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "", InvalidArgumentf("host identity of connector %s is empty", c.Connector)
	}
	log.Debugf("HostIdentity: connector %s uses host identity %s", c.Connector, id)

	return id, nil
}
