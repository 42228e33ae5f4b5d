package api

import (
	"github.com/photonvis/server/internal/service"
)

// LibraryInfo contains information about a library for the API response.
type LibraryInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mode string `json:"mode"`
}

// LibraryRegistry holds visibility services for all configured libraries.
type LibraryRegistry struct {
	services       map[string]*service.VisService
	defaultLibrary string
	libraryOrder   []string
	title          string
}

// NewLibraryRegistry creates a new library registry.
func NewLibraryRegistry(defaultLibrary string, order []string, title string) *LibraryRegistry {
	return &LibraryRegistry{
		services:       make(map[string]*service.VisService),
		defaultLibrary: defaultLibrary,
		libraryOrder:   order,
		title:          title,
	}
}

// Register adds a visibility service for a library.
func (r *LibraryRegistry) Register(libraryID string, svc *service.VisService) {
	r.services[libraryID] = svc
}

// Get returns the visibility service for a library, or nil if not found.
func (r *LibraryRegistry) Get(libraryID string) *service.VisService {
	return r.services[libraryID]
}

// Default returns the default library's visibility service.
func (r *LibraryRegistry) Default() *service.VisService {
	return r.services[r.defaultLibrary]
}

// DefaultLibraryID returns the default library ID.
func (r *LibraryRegistry) DefaultLibraryID() string {
	return r.defaultLibrary
}

// LibraryIDs returns all library IDs in config order.
func (r *LibraryRegistry) LibraryIDs() []string {
	return r.libraryOrder
}

// Title returns the configured site title.
func (r *LibraryRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Photon Visibility Server"
}

// Libraries returns library info for all registered libraries.
func (r *LibraryRegistry) Libraries() []LibraryInfo {
	infos := make([]LibraryInfo, 0, len(r.libraryOrder))
	for _, id := range r.libraryOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		infos = append(infos, LibraryInfo{
			ID:   id,
			Name: id,
			Mode: string(svc.Engine().Mode()),
		})
	}
	return infos
}
