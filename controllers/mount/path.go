package mount

// ParentMount is the directory a file gets mounted into.
type ParentMount struct {
	Path string
}

// MountNode is a file inside a mounted directory.
type MountNode struct {
	Name string
	// Data is the decoded content of the file. It is empty for files whose content is not known up front.
	Data string
}

// MountPath is a path reachable inside a container. Node is nil if only the directory itself is mounted.
type MountPath struct {
	Parent ParentMount
	Node   *MountNode
}

// String renders the mount path as "parent/node" or "parent" for directory-only mounts.
func (p MountPath) String() string {
	if p.Node == nil {
		return p.Parent.Path
	}
	return p.Parent.Path + "/" + p.Node.Name
}

func directory(path string) MountPath {
	return MountPath{Parent: ParentMount{Path: path}}
}

func file(parent, name, data string) MountPath {
	return MountPath{Parent: ParentMount{Path: parent}, Node: &MountNode{Name: name, Data: data}}
}
