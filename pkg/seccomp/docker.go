package seccomp

import "encoding/json"

// DockerProfileJSON renders the default profile as the JSON document
// docker's --security-opt seccomp= flag loads. The OCI types marshal
// to the field names and SCMP_* constants Docker's schema expects, so
// no translation is needed.
func DockerProfileJSON() ([]byte, error) {
	return json.MarshalIndent(DefaultProfile(), "", "  ")
}
