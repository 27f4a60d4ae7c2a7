package resolver

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	corev1 "k8s.io/api/core/v1"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
)

// Role is the part a container plays regarding the files it consumes.
type Role int

const (
	// RoleGeneric containers consume files through env, command, probes and mounted config maps.
	RoleGeneric Role = iota
	// RoleRenderConfig containers render their input files into an output file.
	RoleRenderConfig
)

func (r Role) String() string {
	switch r {
	case RoleRenderConfig:
		return "render-config"
	default:
		return "generic"
	}
}

// Classify determines the role of a container. A container renders configuration if it runs the render tool image
// with the render verb as first argument.
func Classify(container *corev1.Container, renderToolImage, renderVerb string) Role {
	if len(container.Args) == 0 || container.Args[0] != renderVerb {
		return RoleGeneric
	}

	ref, err := name.ParseReference(container.Image)
	if err != nil {
		return RoleGeneric
	}

	repository := strings.Split(ref.Context().RepositoryStr(), "/")
	if repository[len(repository)-1] != renderToolImage {
		return RoleGeneric
	}

	return RoleRenderConfig
}

// RenderConfigArgs are the parsed arguments of a render-config container.
type RenderConfigArgs struct {
	Output             string
	ArrayOverwriteKeys []string
	InputFiles         []string
}

// ParseRenderConfigArgs parses "<verb> -output <path> [-array-overwrite-keys a,b] files...".
func ParseRenderConfigArgs(containerName string, args []string) (*RenderConfigArgs, error) {
	if len(args) == 0 {
		return nil, &v1.MalformedConventionError{Container: containerName, Reason: "no arguments given"}
	}

	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	output := flags.String("output", "", "path of the rendered file")
	arrayOverwriteKeys := flags.String("array-overwrite-keys", "", "comma separated keys whose arrays get overwritten")

	err := flags.Parse(args[1:])
	if err != nil {
		return nil, &v1.MalformedConventionError{Container: containerName, Reason: fmt.Sprintf("invalid arguments: %s", err.Error())}
	}

	if *output == "" {
		return nil, &v1.MalformedConventionError{Container: containerName, Reason: "missing -output flag"}
	}
	if flags.NArg() == 0 {
		return nil, &v1.MalformedConventionError{Container: containerName, Reason: "no input files given"}
	}

	parsed := &RenderConfigArgs{Output: *output, InputFiles: flags.Args()}
	if *arrayOverwriteKeys != "" {
		parsed.ArrayOverwriteKeys = strings.Split(*arrayOverwriteKeys, ",")
	}

	return parsed, nil
}
