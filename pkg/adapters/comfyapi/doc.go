// Package comfyapi is the HTTP adapter for the compute server's REST
// surface: prompt submission and status, queue and history, settings,
// user data files, and the node catalog.
//
// Every request carries the Comfy-User and Dabi-token headers and disables
// caching. Routes are resolved against <base>/api.
package comfyapi
