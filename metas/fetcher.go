package metas

// ContainerMetaFetcher looks a container up in a runtime or in the API
// server. It may block; the manager calls it at most once per container per
// meta flush.
type ContainerMetaFetcher interface {
	FetchContainerMeta(containerID string) ContainerMeta
}

// ChainFetcher asks each fetcher in turn and returns the first hit.
type ChainFetcher []ContainerMetaFetcher

func (c ChainFetcher) FetchContainerMeta(containerID string) ContainerMeta {
	for _, f := range c {
		if f == nil {
			continue
		}
		if m := f.FetchContainerMeta(containerID); !m.Empty() {
			return m
		}
	}
	return ContainerMeta{}
}
